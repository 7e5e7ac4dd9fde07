// Package localstore is the client's durable state: the Mirror of every
// message the user has seen or sent, and the Outbox of sends not yet
// acknowledged by the server.
package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"

	"vaulted/internal/db"
	"vaulted/internal/models"
)

var log = logging.Logger("outbox")

type State string

const (
	Queued State = "queued"
	Sent   State = "sent"
	Acked  State = "acked"
	// Parked entries were rejected by the server for good. They stay in the
	// Outbox and the Mirror but are no longer drained.
	Parked State = "parked"
)

// OutboxEntry is a message waiting for server acknowledgement. Its ID is
// fixed when queued and never changes across retries.
type OutboxEntry struct {
	Seq        int64  `db:"seq"`
	ID         string `db:"id"`
	ChatID     string `db:"chat_id"`
	SenderID   string `db:"sender_id"`
	ReceiverID string `db:"receiver_id"`
	Ciphertext string `db:"ciphertext"`
	Timestamp  int64  `db:"ts"`
	State      State  `db:"state"`
}

func (e OutboxEntry) Message() models.Message {
	return models.Message{
		ID:         e.ID,
		ChatID:     e.ChatID,
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		Ciphertext: e.Ciphertext,
		Timestamp:  e.Timestamp,
	}
}

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn, now: time.Now}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mirror (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT UNIQUE NOT NULL,
            chat_id TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            ciphertext TEXT NOT NULL,
            ts INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS mirror_chat_ts ON mirror (chat_id, ts, seq);`,
		`CREATE TABLE IF NOT EXISTS outbox (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT UNIQUE NOT NULL,
            chat_id TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            ciphertext TEXT NOT NULL,
            ts INTEGER NOT NULL,
            state TEXT NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue records a new outgoing message in the Mirror and the Outbox in one
// transaction and returns the queued entry.
func (s *Store) Enqueue(ctx context.Context, chatID, senderID, receiverID, ciphertext string) (entry OutboxEntry, err error) {
	entry = OutboxEntry{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
		Timestamp:  s.now().UnixMilli(),
		State:      Queued,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return OutboxEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = putMirror(ctx, tx, entry.Message()); err != nil {
		return OutboxEntry{}, err
	}
	res, err := tx.NamedExecContext(ctx, `INSERT INTO outbox (id, chat_id, sender_id, receiver_id, ciphertext, ts, state)
        VALUES (:id, :chat_id, :sender_id, :receiver_id, :ciphertext, :ts, :state)`, entry)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("insert outbox: %w", err)
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return OutboxEntry{}, err
	}
	if err = tx.Commit(); err != nil {
		return OutboxEntry{}, err
	}

	log.Debugw("message queued", "id", entry.ID, "chat", chatID)
	return entry, nil
}

// Pending returns entries not yet acknowledged, in submission order. Parked
// entries are left out.
func (s *Store) Pending(ctx context.Context) ([]OutboxEntry, error) {
	entries := []OutboxEntry{}
	err := s.db.SelectContext(ctx, &entries, `SELECT seq, id, chat_id, sender_id, receiver_id, ciphertext, ts, state FROM outbox WHERE state != ? ORDER BY seq ASC`, Parked)
	return entries, err
}

// Parked returns the entries the server rejected, in submission order.
func (s *Store) Parked(ctx context.Context) ([]OutboxEntry, error) {
	entries := []OutboxEntry{}
	err := s.db.SelectContext(ctx, &entries, `SELECT seq, id, chat_id, sender_id, receiver_id, ciphertext, ts, state FROM outbox WHERE state = ? ORDER BY seq ASC`, Parked)
	return entries, err
}

// Park takes an entry out of the drain order without deleting it.
func (s *Store) Park(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = ? WHERE id = ?`, Parked, id)
	return err
}

// MarkSent records that the entry was handed to the transport.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = ? WHERE id = ?`, Sent, id)
	return err
}

// Ack removes an acknowledged entry from the Outbox. The Mirror keeps it.
func (s *Store) Ack(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// PutMirror stores a message in the Mirror. Known ids are ignored.
func (s *Store) PutMirror(ctx context.Context, msg models.Message) error {
	return putMirror(ctx, s.db, msg)
}

func putMirror(ctx context.Context, ext sqlx.ExtContext, msg models.Message) error {
	_, err := ext.ExecContext(ctx, `INSERT INTO mirror (id, chat_id, sender_id, receiver_id, ciphertext, ts)
        VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ChatID, msg.SenderID, msg.ReceiverID, msg.Ciphertext, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert mirror: %w", err)
	}
	return nil
}

// Mirror returns the locally known messages of a chat, oldest first.
func (s *Store) Mirror(ctx context.Context, chatID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.SelectContext(ctx, &msgs, `SELECT id, chat_id, sender_id, receiver_id, ciphertext, ts FROM mirror WHERE chat_id = ? ORDER BY ts ASC, seq ASC`, chatID)
	return msgs, err
}
