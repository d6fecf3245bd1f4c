package models

import "time"

// User represents a registered account.
type User struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email,omitempty"`
	Username    string    `json:"username"`
	AvatarColor string    `json:"avatar_color"`
	CreatedAt   time.Time `json:"created_at"`

	// PasswordHash is only populated by credential lookups and never
	// serialized.
	PasswordHash string `json:"-"`
}
