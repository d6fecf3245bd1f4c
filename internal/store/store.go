package store

import (
	"context"
	"errors"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

// MaxHistoryMessages caps how many messages a history read returns.
const MaxHistoryMessages = 200

var (
	// ErrNotFound is returned when a referenced user or conversation
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned when registering an email that is
	// already taken.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrSelfDM is returned when a user tries to open a DM with themselves.
	ErrSelfDM = errors.New("cannot open a dm with yourself")
)

// Store defines the interface for durable storage of users, conversations,
// memberships, and messages. Both PostgresStore and SQLiteStore implement
// this interface. All methods are safe for concurrent use.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, email, passwordHash, username, avatarColor string) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
	SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]models.User, error)

	// Conversation operations
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ConversationsForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	ConversationIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	Members(ctx context.Context, conversationID int64) ([]models.User, error)
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
	AddMember(ctx context.Context, conversationID, userID int64) error
	CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (*models.Conversation, error)

	// GetOrCreateDM resolves the unique DM conversation for an unordered
	// pair of users, creating it if absent. Concurrent calls for the same
	// pair converge on a single conversation.
	GetOrCreateDM(ctx context.Context, userA, userB int64) (*models.Conversation, error)

	// Message operations
	Messages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, conversationID, senderID int64, content string) (*models.Message, error)

	// Aggregates for the stats endpoint
	CountUsers(ctx context.Context) (int64, error)
	CountConversations(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
}
