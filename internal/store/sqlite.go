package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

// SQLiteStore handles SQLite database operations. It is the default
// backend when no DATABASE_URL is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/carrier-pigeon.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/carrier-pigeon.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		username TEXT NOT NULL,
		avatar_color TEXT NOT NULL DEFAULT '#6c5ce7',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL CHECK(kind IN ('dm', 'group')),
		name TEXT,
		dm_key TEXT UNIQUE,
		created_by INTEGER NOT NULL REFERENCES users(id),
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id INTEGER NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_conv_members_user ON conversation_members(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser creates a new account.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash, username, avatarColor string) (*models.User, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, password_hash, username, avatar_color, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, email, passwordHash, username, avatarColor, now)
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, id)
}

// UserByID retrieves a user by ID.
func (s *SQLiteStore) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, username, avatar_color, created_at
		FROM users WHERE id = ?
	`, id))
}

// UserByEmail retrieves a user by email, including the password hash for
// credential checks.
func (s *SQLiteStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, username, avatar_color, created_at
		FROM users WHERE email = ?
	`, email))
}

// SearchUsers finds users whose username or email contains the query,
// excluding the caller.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]models.User, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, username, avatar_color, created_at
		FROM users
		WHERE (username LIKE ? OR email LIKE ?) AND id != ?
		ORDER BY username
		LIMIT ?
	`, pattern, pattern, excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.AvatarColor, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, created_by, created_at
		FROM conversations WHERE id = ?
	`, id))
}

// ConversationsForUser lists the user's conversations with members and a
// last-message preview. Conversations with messages sort by latest message
// first; message-less conversations sort after them by creation time.
func (s *SQLiteStore) ConversationsForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.name, c.created_by, c.created_at,
			(SELECT m.content FROM messages m WHERE m.conversation_id = c.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1) AS last_message,
			(SELECT u.username FROM messages m JOIN users u ON u.id = m.sender_id
				WHERE m.conversation_id = c.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1) AS last_sender,
			(SELECT m.created_at FROM messages m WHERE m.conversation_id = c.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1) AS last_message_at
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = ?
		ORDER BY last_message_at IS NULL, last_message_at DESC, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var cs models.ConversationSummary
		var name sql.NullString
		var lastMessage, lastSender sql.NullString
		var lastAt sql.NullTime
		if err := rows.Scan(&cs.ID, &cs.Kind, &name, &cs.CreatedBy, &cs.CreatedAt,
			&lastMessage, &lastSender, &lastAt); err != nil {
			return nil, err
		}
		cs.Name = name.String
		if lastMessage.Valid {
			cs.LastMessage = &lastMessage.String
		}
		if lastSender.Valid {
			cs.LastSender = &lastSender.String
		}
		if lastAt.Valid {
			t := lastAt.Time
			cs.LastMessageAt = &t
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		members, err := s.Members(ctx, summaries[i].ID)
		if err != nil {
			return nil, err
		}
		summaries[i].Members = members
	}
	return summaries, nil
}

// ConversationIDsForUser returns the IDs of every conversation the user
// belongs to. Used at connection setup to join rooms without building
// full previews.
func (s *SQLiteStore) ConversationIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM conversation_members WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Members lists the users belonging to a conversation.
func (s *SQLiteStore) Members(ctx context.Context, conversationID int64) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar_color, u.created_at
		FROM users u
		JOIN conversation_members cm ON cm.user_id = u.id
		WHERE cm.conversation_id = ?
		ORDER BY u.id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarColor, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IsMember reports whether the user belongs to the conversation.
func (s *SQLiteStore) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember adds a user to a conversation. No-op if already a member.
func (s *SQLiteStore) AddMember(ctx context.Context, conversationID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`, conversationID, userID, time.Now().UTC())
	if isSQLiteForeignKey(err) {
		return ErrNotFound
	}
	return err
}

// CreateGroup creates a group conversation with the creator and the given
// members. Duplicate member IDs and the creator's own ID are ignored.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (kind, name, created_by, created_at)
		VALUES ('group', ?, ?, ?)
	`, name, creatorID, now)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	convID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for _, uid := range append([]int64{creatorID}, memberIDs...) {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, convID, uid, now)
		if err != nil {
			if isSQLiteForeignKey(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, convID)
}

// GetOrCreateDM resolves the singleton DM conversation for a pair of
// users. The unique dm_key column makes creation race-safe: when two
// callers insert concurrently, one row wins and the loser re-reads it.
func (s *SQLiteStore) GetOrCreateDM(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	if userA == userB {
		return nil, ErrSelfDM
	}
	key := dmKey(userA, userB)

	if conv, err := s.conversationByDMKey(ctx, key); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (kind, dm_key, created_by, created_at)
		VALUES ('dm', ?, ?, ?)
	`, key, userA, now)
	if err != nil {
		if isSQLiteForeignKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("create dm: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the creation race; the winner's row is committed.
		return s.conversationByDMKey(ctx, key)
	}

	convID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for _, uid := range []int64{userA, userB} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, convID, uid, now); err != nil {
			if isSQLiteForeignKey(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, convID)
}

func (s *SQLiteStore) conversationByDMKey(ctx context.Context, key string) (*models.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, created_by, created_at
		FROM conversations WHERE dm_key = ?
	`, key))
}

// Messages returns the most recent messages of a conversation in
// ascending (created_at, id) order, capped at limit.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > MaxHistoryMessages {
		limit = MaxHistoryMessages
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, username, avatar_color
		FROM (
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
				u.username, u.avatar_color
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = ?
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// InsertMessage appends a message to a conversation.
func (s *SQLiteStore) InsertMessage(ctx context.Context, conversationID, senderID int64, content string) (*models.Message, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, senderID, content, now)
	if err != nil {
		if isSQLiteForeignKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// CountUsers returns the total number of accounts.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	return s.countRows(ctx, "users")
}

// CountConversations returns the total number of conversations.
func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	return s.countRows(ctx, "conversations")
}

// CountMessages returns the total number of messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	return s.countRows(ctx, "messages")
}

func (s *SQLiteStore) countRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isSQLiteForeignKey(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
