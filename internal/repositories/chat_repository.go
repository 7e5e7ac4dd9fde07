package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"vaulted/internal/models"
)

// ChatRepository abstracts chat and membership persistence.
type ChatRepository interface {
	CreateOrGetChat(ctx context.Context, userID string, peerID string) (models.Chat, error)
	AddMembership(ctx context.Context, chatID string, userID string) error
	IsMember(ctx context.Context, chatID string, userID string) (bool, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	ListMembers(ctx context.Context, chatID string) ([]models.Membership, error)
	ListChatsForUser(ctx context.Context, userID string) ([]models.ChatSummary, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db, now: time.Now}
}

// CreateOrGetChat returns the chat between the two users, creating it and
// both memberships in one transaction when it does not exist yet. The sorted
// pair key is unique, so concurrent creation from both sides converges on a
// single chat.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, userID string, peerID string) (chat models.Chat, err error) {
	if userID == "" || peerID == "" || userID == peerID {
		return models.Chat{}, ErrInvalidMembership
	}
	pair := pairKey(userID, peerID)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chats (id, pair_key, created_at) VALUES (?, ?, ?) ON CONFLICT (pair_key) DO NOTHING`),
		uuid.NewString(), pair, r.now().UnixMilli()); err != nil {
		return models.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	if err = tx.GetContext(ctx, &chat, tx.Rebind(`SELECT id, pair_key, created_at FROM chats WHERE pair_key = ?`), pair); err != nil {
		return models.Chat{}, fmt.Errorf("load chat: %w", err)
	}

	for _, id := range []string{userID, peerID} {
		if err = addMembership(ctx, tx, chat.ID, id); err != nil {
			return models.Chat{}, err
		}
	}

	var members int
	if err = tx.GetContext(ctx, &members, tx.Rebind(`SELECT COUNT(*) FROM memberships WHERE chat_id = ?`), chat.ID); err != nil {
		return models.Chat{}, err
	}
	if members != 2 {
		err = fmt.Errorf("chat %s has %d memberships: %w", chat.ID, members, ErrConflict)
		return models.Chat{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AddMembership inserts a membership row if it does not exist. A chat holds
// exactly two members, so adding a third user fails with ErrConflict.
func (r *ChatRepo) AddMembership(ctx context.Context, chatID string, userID string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var counts struct {
		Members int `db:"members"`
		Self    int `db:"self"`
	}
	if err = tx.GetContext(ctx, &counts, tx.Rebind(`SELECT COUNT(*) AS members,
            COALESCE(SUM(CASE WHEN user_id = ? THEN 1 ELSE 0 END), 0) AS self
        FROM memberships WHERE chat_id = ?`), userID, chatID); err != nil {
		return fmt.Errorf("count memberships: %w", err)
	}
	if counts.Self > 0 {
		return tx.Commit()
	}
	if counts.Members >= 2 {
		err = fmt.Errorf("chat %s already has %d members: %w", chatID, counts.Members, ErrConflict)
		return err
	}

	if err = addMembership(ctx, tx, chatID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func addMembership(ctx context.Context, ext sqlx.ExtContext, chatID, userID string) error {
	_, err := ext.ExecContext(ctx, ext.Rebind(`INSERT INTO memberships (chat_id, user_id) VALUES (?, ?) ON CONFLICT (chat_id, user_id) DO NOTHING`), chatID, userID)
	if err != nil {
		return fmt.Errorf("insert membership %s/%s: %w", chatID, userID, err)
	}
	return nil
}

// IsMember checks whether a user belongs to the chat.
func (r *ChatRepo) IsMember(ctx context.Context, chatID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM memberships WHERE chat_id = ? AND user_id = ?)`), chatID, userID)
	return exists, err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, r.db.Rebind(`SELECT id, pair_key, created_at FROM chats WHERE id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// ListMembers returns the chat's membership rows.
func (r *ChatRepo) ListMembers(ctx context.Context, chatID string) ([]models.Membership, error) {
	members := []models.Membership{}
	err := r.db.SelectContext(ctx, &members, r.db.Rebind(`SELECT chat_id, user_id FROM memberships WHERE chat_id = ? ORDER BY user_id`), chatID)
	return members, err
}

// ListChatsForUser returns the user's chats, most recently active first.
// Chats without messages sort after every chat with messages.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	query := `SELECT id, created_at, last_message, last_ts FROM (
            SELECT c.id, c.created_at,
                COALESCE((SELECT m.ciphertext FROM messages m WHERE m.chat_id = c.id ORDER BY m.ts DESC, m.seq DESC LIMIT 1), '') AS last_message,
                (SELECT MAX(m.ts) FROM messages m WHERE m.chat_id = c.id) AS last_ts
            FROM chats c
            JOIN memberships ms ON ms.chat_id = c.id
            WHERE ms.user_id = ?
        ) AS summary
        ORDER BY CASE WHEN last_ts IS NULL THEN 1 ELSE 0 END, last_ts DESC, created_at DESC`
	chats := []models.ChatSummary{}
	err := r.db.SelectContext(ctx, &chats, r.db.Rebind(query), userID)
	return chats, err
}

func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}
