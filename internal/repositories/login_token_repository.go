package repositories

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"vaulted/internal/models"
)

// LoginTokenRepository persists one-time magic link tokens.
type LoginTokenRepository interface {
	IssueLoginToken(ctx context.Context, email string) (string, error)
	ConsumeLoginToken(ctx context.Context, token string) (string, error)
}

// LoginTokenRepo is a sqlx implementation of LoginTokenRepository.
type LoginTokenRepo struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// NewLoginTokenRepo constructs a LoginTokenRepo. A zero ttl disables expiry.
func NewLoginTokenRepo(db *sqlx.DB, ttl time.Duration) *LoginTokenRepo {
	return &LoginTokenRepo{db: db, ttl: ttl, now: time.Now}
}

// IssueLoginToken stores and returns a new unguessable token for email.
func (r *LoginTokenRepo) IssueLoginToken(ctx context.Context, email string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO login_tokens (token, email, issued_at) VALUES (?, ?, ?)`), token, email, r.now().UnixMilli())
	if err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeLoginToken marks the token used and returns its email. A token can
// be consumed once; a second attempt returns ErrTokenConsumed.
func (r *LoginTokenRepo) ConsumeLoginToken(ctx context.Context, token string) (email string, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row models.LoginToken
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT token, email, issued_at, consumed_at FROM login_tokens WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrTokenNotFound
		return "", err
	}
	if err != nil {
		return "", err
	}
	if row.ConsumedAt != nil {
		err = ErrTokenConsumed
		return "", err
	}
	now := r.now()
	if r.ttl > 0 && now.Sub(time.UnixMilli(row.IssuedAt)) > r.ttl {
		err = ErrTokenExpired
		return "", err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE login_tokens SET consumed_at = ? WHERE token = ? AND consumed_at IS NULL`), now.UnixMilli(), token)
	if err != nil {
		return "", err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if count == 0 {
		err = ErrTokenConsumed
		return "", err
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return row.Email, nil
}
