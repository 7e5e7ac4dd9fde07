package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"vaulted/internal/models"
)

// MessageRepository defines interactions for chat messages. There is no
// update or delete path.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores msg once. Replaying the same id returns the stored row
// instead of inserting a second one; reusing an id for a different chat or
// sender is a conflict.
func (r *MessageRepo) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO messages (id, chat_id, sender_id, receiver_id, ciphertext, ts) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		msg.ID, msg.ChatID, msg.SenderID, msg.ReceiverID, msg.Ciphertext, msg.Timestamp)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	var stored models.Message
	if err := r.db.GetContext(ctx, &stored, r.db.Rebind(`SELECT seq, id, chat_id, sender_id, receiver_id, ciphertext, ts FROM messages WHERE id = ?`), msg.ID); err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}
	if stored.ChatID != msg.ChatID || stored.SenderID != msg.SenderID {
		return models.Message{}, fmt.Errorf("message id %s reused: %w", msg.ID, ErrConflict)
	}
	return stored, nil
}

// ListMessages returns the chat history ordered by timestamp, then by
// insertion order.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(`SELECT seq, id, chat_id, sender_id, receiver_id, ciphertext, ts FROM messages WHERE chat_id = ? ORDER BY ts ASC, seq ASC`), chatID)
	return msgs, err
}
