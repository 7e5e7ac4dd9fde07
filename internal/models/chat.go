package models

// Chat represents a two-party conversation.
type Chat struct {
	ID        string `db:"id" json:"id"`
	PairKey   string `db:"pair_key" json:"-"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Membership links a user to a chat.
type Membership struct {
	ChatID string `db:"chat_id" json:"chat_id"`
	UserID string `db:"user_id" json:"user_id"`
}

// ChatSummary is the per-user chat list view.
type ChatSummary struct {
	ChatID               string `db:"id" json:"id"`
	CreatedAt            int64  `db:"created_at" json:"-"`
	LastMessage          string `db:"last_message" json:"lastMessage"`
	LastMessageTimestamp *int64 `db:"last_ts" json:"lastMessageTimestamp"`
}
