package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		username TEXT NOT NULL,
		avatar_color TEXT NOT NULL DEFAULT '#6c5ce7',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('dm', 'group')),
		name TEXT,
		dm_key TEXT UNIQUE,
		created_by BIGINT NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_conv_members_user ON conversation_members(user_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser creates a new account.
func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash, username, avatarColor string) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, username, avatar_color)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, password_hash, username, avatar_color, created_at
	`, email, passwordHash, username, avatarColor).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.AvatarColor, &u.CreatedAt,
	)
	if err != nil {
		if isPgUnique(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByID retrieves a user by ID.
func (s *PostgresStore) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.userByQuery(ctx, `
		SELECT id, email, password_hash, username, avatar_color, created_at
		FROM users WHERE id = $1
	`, id)
}

// UserByEmail retrieves a user by email, including the password hash for
// credential checks.
func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.userByQuery(ctx, `
		SELECT id, email, password_hash, username, avatar_color, created_at
		FROM users WHERE email = $1
	`, email)
}

func (s *PostgresStore) userByQuery(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.AvatarColor, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SearchUsers finds users whose username or email contains the query,
// excluding the caller.
func (s *PostgresStore) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]models.User, error) {
	pattern := "%" + query + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, username, avatar_color, created_at
		FROM users
		WHERE (username ILIKE $1 OR email ILIKE $1) AND id != $2
		ORDER BY username
		LIMIT $3
	`, pattern, excludeID, limit)
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
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	return s.conversationByQuery(ctx, `
		SELECT id, kind, name, created_by, created_at
		FROM conversations WHERE id = $1
	`, id)
}

func (s *PostgresStore) conversationByQuery(ctx context.Context, query string, arg interface{}) (*models.Conversation, error) {
	c := &models.Conversation{}
	var name *string
	err := s.pool.QueryRow(ctx, query, arg).Scan(&c.ID, &c.Kind, &name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if name != nil {
		c.Name = *name
	}
	return c, nil
}

// ConversationsForUser lists the user's conversations with members and a
// last-message preview, latest activity first and message-less
// conversations last.
func (s *PostgresStore) ConversationsForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
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
		WHERE cm.user_id = $1
		ORDER BY last_message_at DESC NULLS LAST, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var cs models.ConversationSummary
		var name *string
		if err := rows.Scan(&cs.ID, &cs.Kind, &name, &cs.CreatedBy, &cs.CreatedAt,
			&cs.LastMessage, &cs.LastSender, &cs.LastMessageAt); err != nil {
			return nil, err
		}
		if name != nil {
			cs.Name = *name
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
// belongs to.
func (s *PostgresStore) ConversationIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id FROM conversation_members WHERE user_id = $1
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
func (s *PostgresStore) Members(ctx context.Context, conversationID int64) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.username, u.avatar_color, u.created_at
		FROM users u
		JOIN conversation_members cm ON cm.user_id = u.id
		WHERE cm.conversation_id = $1
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
func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	return exists, err
}

// AddMember adds a user to a conversation. No-op if already a member.
func (s *PostgresStore) AddMember(ctx context.Context, conversationID, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversationID, userID)
	if isPgForeignKey(err) {
		return ErrNotFound
	}
	return err
}

// CreateGroup creates a group conversation with the creator and the given
// members.
func (s *PostgresStore) CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c := &models.Conversation{}
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (kind, name, created_by)
		VALUES ('group', $1, $2)
		RETURNING id, kind, name, created_by, created_at
	`, name, creatorID).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	for _, uid := range append([]int64{creatorID}, memberIDs...) {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, c.ID, uid)
		if err != nil {
			if isPgForeignKey(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOrCreateDM resolves the singleton DM conversation for a pair of
// users. Uniqueness of dm_key collapses creation races to one row; the
// losing inserter re-reads the winner.
func (s *PostgresStore) GetOrCreateDM(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	if userA == userB {
		return nil, ErrSelfDM
	}
	key := dmKey(userA, userB)

	if conv, err := s.conversationByQuery(ctx, `
		SELECT id, kind, name, created_by, created_at
		FROM conversations WHERE dm_key = $1
	`, key); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c := &models.Conversation{}
	var name *string
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (kind, dm_key, created_by)
		VALUES ('dm', $1, $2)
		ON CONFLICT (dm_key) DO NOTHING
		RETURNING id, kind, name, created_by, created_at
	`, key, userA).Scan(&c.ID, &c.Kind, &name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the creation race; the winner's row is committed.
		return s.conversationByQuery(ctx, `
			SELECT id, kind, name, created_by, created_at
			FROM conversations WHERE dm_key = $1
		`, key)
	}
	if err != nil {
		if isPgForeignKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("create dm: %w", err)
	}

	for _, uid := range []int64{userA, userB} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id)
			VALUES ($1, $2)
		`, c.ID, uid); err != nil {
			if isPgForeignKey(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Messages returns the most recent messages of a conversation in
// ascending (created_at, id) order, capped at limit.
func (s *PostgresStore) Messages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > MaxHistoryMessages {
		limit = MaxHistoryMessages
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, username, avatar_color
		FROM (
			SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
				u.username, u.avatar_color
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&m.CreatedAt, &m.Username, &m.AvatarColor); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// InsertMessage appends a message to a conversation.
func (s *PostgresStore) InsertMessage(ctx context.Context, conversationID, senderID int64, content string) (*models.Message, error) {
	m := &models.Message{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, conversation_id, sender_id, content, created_at
	`, conversationID, senderID, content).Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt,
	)
	if err != nil {
		if isPgForeignKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// CountUsers returns the total number of accounts.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	return s.countRows(ctx, "users")
}

// CountConversations returns the total number of conversations.
func (s *PostgresStore) CountConversations(ctx context.Context) (int64, error) {
	return s.countRows(ctx, "conversations")
}

// CountMessages returns the total number of messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	return s.countRows(ctx, "messages")
}

func (s *PostgresStore) countRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isPgForeignKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
