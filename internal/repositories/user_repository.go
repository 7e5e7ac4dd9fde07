package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"vaulted/internal/models"
)

// UserRepository abstracts user persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, id string, email string, publicKey string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CreateUser inserts the user if absent. An existing user keeps its identity
// and email; a public key is only filled in when none was registered yet.
func (r *UserRepo) CreateUser(ctx context.Context, id string, email string, publicKey string) (models.User, error) {
	name, _, _ := strings.Cut(email, "@")
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (id, name, email, public_key) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		id, name, email, publicKey); err != nil {
		return models.User{}, err
	}
	if publicKey != "" {
		if _, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET public_key = ? WHERE id = ? AND public_key = ''`), publicKey, id); err != nil {
			return models.User{}, err
		}
	}
	return r.GetUser(ctx, id)
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, r.db.Rebind(`SELECT id, name, email, public_key FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}
