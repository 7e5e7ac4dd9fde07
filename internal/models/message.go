package models

// Message is a persisted chat message. Ciphertext is opaque to the server.
type Message struct {
	Seq        int64  `db:"seq" json:"-"`
	ID         string `db:"id" json:"id"`
	ChatID     string `db:"chat_id" json:"chat_id"`
	SenderID   string `db:"sender_id" json:"senderId"`
	ReceiverID string `db:"receiver_id" json:"receiverId"`
	Ciphertext string `db:"ciphertext" json:"ciphertext"`
	Timestamp  int64  `db:"ts" json:"timestamp"`
}
