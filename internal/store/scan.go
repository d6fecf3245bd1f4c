package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

// dmKey builds the unique identity key for a DM pair: the two user IDs
// sorted ascending. Both stores enforce uniqueness on it.
func dmKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.AvatarColor, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	c := &models.Conversation{}
	var name sql.NullString
	err := row.Scan(&c.ID, &c.Kind, &name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	return c, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
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
