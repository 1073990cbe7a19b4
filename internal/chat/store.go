// Package chat provides read access to the persisted chat state owned by the
// REST tier: which users participate in which rooms, and the messages the
// message controller has already durably stored. The persisted participant
// set is the source of truth for who is allowed in a room; the realtime layer
// never writes to these tables.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound is returned when no message row matches the requested id.
var ErrMessageNotFound = errors.New("chat: message not found")

// Attachment is one media attachment on a chat message. The URL points at the
// external file store; LocalPath is the upload-time staging hint kept for
// cleanup by the REST tier.
type Attachment struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path,omitempty"`
}

// Message is a chat message already persisted by the message controller. The
// realtime core only reads these rows to fan them out.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	SenderID    string       `json:"sender_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Store reads chat membership and message state from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsParticipant reports whether the user is a declared participant of the
// chat. Used by the room registry before admitting a join.
func (s *Store) IsParticipant(ctx context.Context, userID, chatID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_participants
			WHERE chat_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("chat: is participant: %w", err)
	}
	return ok, nil
}

// Participants returns the persisted participant set for a chat. The delivery
// bridge uses it to decide which offline members need a notification record.
func (s *Store) Participants(ctx context.Context, chatID string) ([]string, error) {
	const query = `
		SELECT user_id FROM chat_participants
		WHERE chat_id = $1
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: participants: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chat: participants scan: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: participants rows: %w", err)
	}
	return members, nil
}

// GetMessage loads a persisted message by id. Attachments are stored as JSONB.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, COALESCE(content, ''), COALESCE(attachments, '[]'), created_at
		FROM chat_messages
		WHERE id = $1`

	var (
		msg            Message
		attachmentsRaw []byte
	)
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &attachmentsRaw, &msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get message: %w", err)
	}

	if len(attachmentsRaw) > 0 {
		if err := json.Unmarshal(attachmentsRaw, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("chat: decode attachments: %w", err)
		}
	}
	return &msg, nil
}
