// Package store defines the ChatStore capability the data server depends on
// and provides a reference implementation backed by an embedded SQLite
// database. The schema and storage engine are not part of the core
// contract — ChatStore is the seam — but a concrete, runnable
// implementation is needed to exercise the servers and their tests.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"talko/internal/protocol"
)

// ErrNotFound is returned by GetUser when no user exists with the given id.
var ErrNotFound = errors.New("store: not found")

// ChatStore is the persistence capability the data server consumes. Every
// operation is synchronous; implementations must be safe to use from
// multiple goroutines concurrently (the reference implementation relies on
// database/sql's own connection pooling and locking for this).
type ChatStore interface {
	GetUser(userID int64) (protocol.User, error)
	InsertUser(userName string) (protocol.User, error)
	GetChats(userID int64) ([]protocol.Chat, error)
	GetParticipants(chatID int64) ([]protocol.User, error)
	GetPrivateChatID(userAID, userBID int64) (int64, bool, error)
	InsertChat(chatName string, userIDs []int64) (protocol.Chat, error)
	GetMessages(chatID int64) ([]protocol.Message, error)
	InsertMessage(chatID, userID int64, text string, ts int64) (protocol.Message, error)
	Close() error
}

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1; append, never edit or
// reorder, existing entries.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		user_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		user_name TEXT NOT NULL
	)`,
	// v2 — chats
	`CREATE TABLE IF NOT EXISTS chats (
		chat_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_name  TEXT NOT NULL,
		is_private INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — participants
	`CREATE TABLE IF NOT EXISTS participants (
		participant_id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id        INTEGER NOT NULL REFERENCES chats(chat_id),
		user_id        INTEGER NOT NULL REFERENCES users(user_id)
	)`,
	// v4 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		message_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id      INTEGER NOT NULL REFERENCES chats(chat_id),
		user_id      INTEGER NOT NULL REFERENCES users(user_id),
		message_text TEXT NOT NULL,
		message_ts   INTEGER NOT NULL
	)`,
	// v5–v7 — lookup indexes
	`CREATE INDEX IF NOT EXISTS idx_participants_chat ON participants(chat_id)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, message_ts)`,
	// v8 — enable WAL so concurrent DataServer workers don't serialize reads
	`PRAGMA journal_mode=WAL`,
}

// SQLiteStore is the reference ChatStore implementation.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) a SQLite-backed ChatStore at path, applying any
// pending migrations. Use ":memory:" for an ephemeral store, e.g. in tests.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetUser looks up a user by id.
func (s *SQLiteStore) GetUser(userID int64) (protocol.User, error) {
	var u protocol.User
	err := s.db.QueryRow(
		`SELECT user_id, user_name FROM users WHERE user_id = ?`, userID,
	).Scan(&u.UserID, &u.UserName)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.User{}, ErrNotFound
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// InsertUser creates a new user; the store assigns user_id.
func (s *SQLiteStore) InsertUser(userName string) (protocol.User, error) {
	res, err := s.db.Exec(`INSERT INTO users (user_name) VALUES (?)`, userName)
	if err != nil {
		return protocol.User{}, fmt.Errorf("store: insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.User{}, fmt.Errorf("store: insert user id: %w", err)
	}
	return protocol.User{UserID: id, UserName: userName}, nil
}

// GetChats returns every chat userID participates in, bare (no users or
// messages hydrated) except chat_id/chat_name/is_private.
func (s *SQLiteStore) GetChats(userID int64) ([]protocol.Chat, error) {
	rows, err := s.db.Query(`
		SELECT chats.chat_id, chats.chat_name, chats.is_private
		FROM chats JOIN participants ON chats.chat_id = participants.chat_id
		WHERE participants.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: get chats: %w", err)
	}
	defer rows.Close()

	var chats []protocol.Chat
	for rows.Next() {
		var c protocol.Chat
		if err := rows.Scan(&c.ChatID, &c.ChatName, &c.IsPrivate); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetParticipants returns every user participating in chatID.
func (s *SQLiteStore) GetParticipants(chatID int64) ([]protocol.User, error) {
	rows, err := s.db.Query(`
		SELECT users.user_id, users.user_name
		FROM users JOIN participants ON users.user_id = participants.user_id
		WHERE participants.chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: get participants: %w", err)
	}
	defer rows.Close()

	var users []protocol.User
	for rows.Next() {
		var u protocol.User
		if err := rows.Scan(&u.UserID, &u.UserName); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetPrivateChatID returns the id of the existing private chat between the
// two users, if one exists.
func (s *SQLiteStore) GetPrivateChatID(userAID, userBID int64) (int64, bool, error) {
	rows, err := s.db.Query(`
		SELECT participants.chat_id, participants.user_id
		FROM participants JOIN chats ON participants.chat_id = chats.chat_id
		WHERE chats.is_private = 1 AND participants.user_id IN (?, ?)`,
		userAID, userBID)
	if err != nil {
		return 0, false, fmt.Errorf("store: get private chat id: %w", err)
	}
	defer rows.Close()

	chatsForUser := map[int64]map[int64]bool{userAID: {}, userBID: {}}
	for rows.Next() {
		var chatID, userID int64
		if err := rows.Scan(&chatID, &userID); err != nil {
			return 0, false, fmt.Errorf("store: scan private chat row: %w", err)
		}
		if set, ok := chatsForUser[userID]; ok {
			set[chatID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}

	for chatID := range chatsForUser[userAID] {
		if chatsForUser[userBID][chatID] {
			return chatID, true, nil
		}
	}
	return 0, false, nil
}

// InsertChat creates a new chat (private iff exactly two participants) with
// the given participants. Participant insertion happens in a separate
// statement from the chat insert.
func (s *SQLiteStore) InsertChat(chatName string, userIDs []int64) (protocol.Chat, error) {
	isPrivate := len(userIDs) == 2
	res, err := s.db.Exec(
		`INSERT INTO chats (chat_name, is_private) VALUES (?, ?)`,
		chatName, isPrivate)
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("store: insert chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("store: insert chat id: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := s.db.Exec(
			`INSERT INTO participants (chat_id, user_id) VALUES (?, ?)`,
			chatID, userID); err != nil {
			return protocol.Chat{}, fmt.Errorf("store: insert participant: %w", err)
		}
	}

	return protocol.Chat{ChatID: chatID, ChatName: chatName, IsPrivate: isPrivate}, nil
}

// GetMessages returns every message in chatID, ordered by message_ts
// ascending (ties broken by message_id ascending via insertion order).
func (s *SQLiteStore) GetMessages(chatID int64) ([]protocol.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, chat_id, user_id, message_text, message_ts
		FROM messages WHERE chat_id = ?
		ORDER BY message_ts ASC, message_id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.User.UserID, &m.MessageText, &m.MessageTS); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// InsertMessage persists a new message at the given (server-stamped)
// timestamp.
func (s *SQLiteStore) InsertMessage(chatID, userID int64, text string, ts int64) (protocol.Message, error) {
	res, err := s.db.Exec(`
		INSERT INTO messages (chat_id, user_id, message_text, message_ts)
		VALUES (?, ?, ?, ?)`, chatID, userID, text, ts)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: insert message id: %w", err)
	}
	return protocol.Message{
		MessageID:   messageID,
		ChatID:      chatID,
		User:        protocol.User{UserID: userID},
		MessageText: text,
		MessageTS:   ts,
	}, nil
}
