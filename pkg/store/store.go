package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/parleyhq/parley/pkg/types"
)

// Sentinel errors returned by store operations
var (
	ErrExists      = errors.New("already exists")
	ErrNotFound    = errors.New("not found")
	ErrIDCollision = errors.New("message id collision")
)

// DefaultChatLimit is the message limit lazily assigned to a
// conversation the first time its preference row is read
const DefaultChatLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at    REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	sender            TEXT NOT NULL,
	recipient         TEXT NOT NULL,
	content           TEXT NOT NULL,
	timestamp         REAL NOT NULL,
	is_read           BOOLEAN NOT NULL DEFAULT 0,
	is_delivered      BOOLEAN NOT NULL DEFAULT 0,
	sender_deleted    BOOLEAN NOT NULL DEFAULT 0,
	recipient_deleted BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);

CREATE TABLE IF NOT EXISTS chat_preferences (
	username      TEXT NOT NULL,
	partner       TEXT NOT NULL,
	message_limit INTEGER NOT NULL DEFAULT 50,
	PRIMARY KEY (username, partner)
);
`

// Store is the node-local persistent state: one SQLite file holding
// accounts, messages, and chat preferences. On the leader it is the
// authoritative copy; on followers it is kept in sync by replication.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; funnel everything through one
	// connection so concurrent handlers serialize instead of erroring.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// CreateAccount inserts a new account. An empty password stores an
// empty verifier (used for accounts materialized by replication).
func (s *Store) CreateAccount(username, password string) error {
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		hash = string(h)
	}

	_, err := s.db.Exec(
		`INSERT INTO accounts (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, types.Now(),
	)
	if err != nil {
		if isConstraintErr(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// AccountExists reports whether the username is registered
func (s *Store) AccountExists(username string) (bool, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM accounts WHERE username = ?`, username)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return n > 0, nil
}

// VerifyLogin checks a password against the stored verifier. Accounts
// with an empty verifier never verify.
func (s *Store) VerifyLogin(username, password string) (bool, error) {
	var hash string
	err := s.db.Get(&hash, `SELECT password_hash FROM accounts WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load account: %w", err)
	}
	if hash == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// DeleteAccount removes the account, every message it sent or
// received, and its preference rows
func (s *Store) DeleteAccount(username string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM accounts WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE sender = ? OR recipient = ?`, username, username); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chat_preferences WHERE username = ? OR partner = ?`, username, username); err != nil {
		return fmt.Errorf("failed to delete preferences: %w", err)
	}

	return tx.Commit()
}

// StoreMessage inserts a message with a fresh auto-assigned id and
// returns that id
func (s *Store) StoreMessage(sender, recipient, content string, delivered bool) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO messages (sender, recipient, content, timestamp, is_delivered) VALUES (?, ?, ?, ?, ?)`,
		sender, recipient, content, types.Now(), delivered,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}
	return id, nil
}

// StoreMessageWithID inserts a message under a leader-assigned id.
// Followers must keep ids identical to the leader's.
func (s *Store) StoreMessageWithID(id int64, sender, recipient, content string, delivered bool) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, sender, recipient, content, timestamp, is_delivered) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sender, recipient, content, types.Now(), delivered,
	)
	if err != nil {
		if isConstraintErr(err) {
			return ErrIDCollision
		}
		return fmt.Errorf("failed to store message %d: %w", id, err)
	}
	return nil
}

// MessageByID loads a single message row
func (s *Store) MessageByID(id int64) (*types.Message, error) {
	var m types.Message
	err := s.db.Get(&m, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", id, err)
	}
	return &m, nil
}

// DeleteMessageRow physically removes a message row. Used to roll
// back a write whose replication did not reach quorum.
func (s *Store) DeleteMessageRow(id int64) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	return nil
}

// MarkDelivered flips the delivered flag on one message
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.db.Exec(`UPDATE messages SET is_delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark message %d delivered: %w", id, err)
	}
	return nil
}

// UndeliveredMessages returns the backlog for a recipient in ascending
// timestamp order, excluding messages the recipient deleted
func (s *Store) UndeliveredMessages(recipient string) ([]types.Message, error) {
	var msgs []types.Message
	err := s.db.Select(&msgs,
		`SELECT * FROM messages
		 WHERE recipient = ? AND is_delivered = 0 AND recipient_deleted = 0
		 ORDER BY timestamp ASC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to load undelivered messages: %w", err)
	}
	return msgs, nil
}

// MarkRead marks messages in the owner's inbox as read and returns the
// ids that actually changed (previously unread), so a failed
// replication can be reverted exactly. An empty id list marks the
// entire visible inbox.
func (s *Store) MarkRead(owner string, ids []int64) ([]int64, error) {
	if len(ids) > 0 {
		query, args, err := sqlx.In(
			`SELECT COUNT(*) FROM messages WHERE recipient = ? AND id IN (?)`, owner, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to build query: %w", err)
		}
		var n int
		if err := s.db.Get(&n, query, args...); err != nil {
			return nil, fmt.Errorf("failed to check messages: %w", err)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
	}

	query := `SELECT id FROM messages WHERE recipient = ? AND is_read = 0 AND recipient_deleted = 0`
	args := []any{owner}
	if len(ids) > 0 {
		q, a, err := sqlx.In(query+` AND id IN (?)`, owner, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to build query: %w", err)
		}
		query, args = q, a
	}

	var affected []int64
	if err := s.db.Select(&affected, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select unread messages: %w", err)
	}
	if len(affected) == 0 {
		return nil, nil
	}

	q, a, err := sqlx.In(`UPDATE messages SET is_read = 1 WHERE id IN (?)`, affected)
	if err != nil {
		return nil, fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := s.db.Exec(q, a...); err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return affected, nil
}

// UnmarkRead reverts a MarkRead for the given ids
func (s *Store) UnmarkRead(owner string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q, a, err := sqlx.In(`UPDATE messages SET is_read = 0 WHERE recipient = ? AND id IN (?)`, owner, ids)
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := s.db.Exec(q, a...); err != nil {
		return fmt.Errorf("failed to unmark messages: %w", err)
	}
	return nil
}

// DeleteMessages soft-deletes messages from the owner's view: the
// sender flag if the owner sent the message, the recipient flag if the
// owner received it. Returns the ids whose flag actually flipped.
func (s *Store) DeleteMessages(owner string, ids []int64) ([]int64, error) {
	var affected []int64
	for _, id := range ids {
		var m types.Message
		err := s.db.Get(&m, `SELECT * FROM messages WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return affected, fmt.Errorf("failed to load message %d: %w", id, err)
		}

		switch owner {
		case m.Sender:
			if m.SenderDeleted {
				continue
			}
			if _, err := s.db.Exec(`UPDATE messages SET sender_deleted = 1 WHERE id = ?`, id); err != nil {
				return affected, fmt.Errorf("failed to delete message %d: %w", id, err)
			}
			affected = append(affected, id)
		case m.Recipient:
			if m.RecipientDeleted {
				continue
			}
			if _, err := s.db.Exec(`UPDATE messages SET recipient_deleted = 1 WHERE id = ?`, id); err != nil {
				return affected, fmt.Errorf("failed to delete message %d: %w", id, err)
			}
			affected = append(affected, id)
		}
	}
	return affected, nil
}

// UndeleteMessages reverts a DeleteMessages for the given ids
func (s *Store) UndeleteMessages(owner string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q, a, err := sqlx.In(`UPDATE messages SET sender_deleted = 0 WHERE sender = ? AND id IN (?)`, owner, ids)
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := s.db.Exec(q, a...); err != nil {
		return fmt.Errorf("failed to undelete messages: %w", err)
	}
	q, a, err = sqlx.In(`UPDATE messages SET recipient_deleted = 0 WHERE recipient = ? AND id IN (?)`, owner, ids)
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := s.db.Exec(q, a...); err != nil {
		return fmt.Errorf("failed to undelete messages: %w", err)
	}
	return nil
}

// ListAccounts pages through usernames matching a LIKE pattern. An
// empty pattern matches everything. Page numbers start at 1; invalid
// paging returns an empty page rather than an error.
func (s *Store) ListAccounts(pattern string, page, perPage int) (*types.AccountPage, error) {
	result := &types.AccountPage{Users: []string{}, Page: page, PerPage: perPage}
	if page < 1 || perPage < 1 {
		return result, nil
	}

	like := "%" + pattern + "%"
	if pattern == "" {
		like = "%"
	}

	if err := s.db.Get(&result.Total,
		`SELECT COUNT(*) FROM accounts WHERE username LIKE ?`, like); err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}

	err := s.db.Select(&result.Users,
		`SELECT username FROM accounts WHERE username LIKE ? ORDER BY username LIMIT ? OFFSET ?`,
		like, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return result, nil
}

// ChatPartners returns every user the owner has exchanged at least one
// message with, sorted
func (s *Store) ChatPartners(owner string) ([]string, error) {
	partners := []string{}
	err := s.db.Select(&partners,
		`SELECT DISTINCT CASE WHEN sender = ? THEN recipient ELSE sender END AS partner
		 FROM messages WHERE sender = ? OR recipient = ?
		 ORDER BY partner`, owner, owner, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat partners: %w", err)
	}
	return partners, nil
}

// UnreadBetween counts unread messages from partner to owner still
// visible to the owner
func (s *Store) UnreadBetween(owner, partner string) (int, error) {
	var n int
	err := s.db.Get(&n,
		`SELECT COUNT(*) FROM messages
		 WHERE recipient = ? AND sender = ? AND is_read = 0 AND recipient_deleted = 0`,
		owner, partner)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}

// MessagesBetween returns one page of the conversation as the owner
// sees it: newest first, excluding messages the owner soft-deleted on
// their side. Total counts the full visible history. Negative offset
// or limit is clamped to zero.
func (s *Store) MessagesBetween(owner, partner string, offset, limit int) (*types.Conversation, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	// Visibility is asymmetric: the owner's soft-delete flag depends
	// on which side of the message they are on.
	const visible = `
		((sender = ? AND recipient = ? AND sender_deleted = 0) OR
		 (sender = ? AND recipient = ? AND recipient_deleted = 0))`

	conv := &types.Conversation{Messages: []types.Message{}}

	err := s.db.Get(&conv.Total,
		`SELECT COUNT(*) FROM messages WHERE `+visible,
		owner, partner, partner, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversation: %w", err)
	}

	err = s.db.Select(&conv.Messages,
		`SELECT * FROM messages WHERE `+visible+
			` ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		owner, partner, partner, owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// ChatLimit returns the conversation page-size preference, lazily
// creating the row with the default on first read
func (s *Store) ChatLimit(owner, partner string) (int, error) {
	var limit int
	err := s.db.Get(&limit,
		`SELECT message_limit FROM chat_preferences WHERE username = ? AND partner = ?`,
		owner, partner)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.Exec(
			`INSERT INTO chat_preferences (username, partner, message_limit) VALUES (?, ?, ?)`,
			owner, partner, DefaultChatLimit)
		if err != nil {
			return 0, fmt.Errorf("failed to create preference: %w", err)
		}
		return DefaultChatLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load preference: %w", err)
	}
	return limit, nil
}

// SetChatLimit updates the conversation page-size preference
func (s *Store) SetChatLimit(owner, partner string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("message limit must be positive, got %d", limit)
	}
	_, err := s.db.Exec(
		`INSERT INTO chat_preferences (username, partner, message_limit) VALUES (?, ?, ?)
		 ON CONFLICT(username, partner) DO UPDATE SET message_limit = excluded.message_limit`,
		owner, partner, limit)
	if err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	return nil
}
