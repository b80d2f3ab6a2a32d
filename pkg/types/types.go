package types

import "time"

// Account represents a registered chat user
type Account struct {
	Username     string  `db:"username" json:"username"`
	PasswordHash string  `db:"password_hash" json:"-"`
	CreatedAt    float64 `db:"created_at" json:"created_at"`
}

// Message represents a single chat message row
type Message struct {
	ID               int64   `db:"id" json:"id"`
	Sender           string  `db:"sender" json:"from"`
	Recipient        string  `db:"recipient" json:"to"`
	Content          string  `db:"content" json:"content"`
	Timestamp        float64 `db:"timestamp" json:"timestamp"`
	IsRead           bool    `db:"is_read" json:"is_read"`
	IsDelivered      bool    `db:"is_delivered" json:"is_delivered"`
	SenderDeleted    bool    `db:"sender_deleted" json:"-"`
	RecipientDeleted bool    `db:"recipient_deleted" json:"-"`
}

// ChatPreference holds a per-conversation pagination hint
type ChatPreference struct {
	Username     string `db:"username" json:"username"`
	Partner      string `db:"partner" json:"partner"`
	MessageLimit int    `db:"message_limit" json:"message_limit"`
}

// Conversation is one page of the message history between two users
type Conversation struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

// AccountPage is one page of a username listing
type AccountPage struct {
	Users   []string `json:"users"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	PerPage int      `json:"per_page"`
}

// NodeStatus describes one cluster member as seen by a node
type NodeStatus struct {
	Addr          string    `json:"addr"`
	IsAlive       bool      `json:"is_alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Now returns the current time as fractional epoch seconds, the
// timestamp representation used by the store and the wire format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
