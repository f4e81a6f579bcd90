package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = "m.id, m.conversation_id, m.role, m.content, m.created_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessagePair stores a question and its answer atomically. Either both
// rows exist afterwards or neither does.
func (s *SQLiteStore) CreateMessagePair(ctx context.Context, conversationID, question, answer string) (*Message, *Message, error) {
	now := time.Now().UTC()
	userMsg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        question,
		CreatedAt:      now,
	}
	assistantMsg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Content:        answer,
		CreatedAt:      now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range []*Message{userMsg, assistantMsg} {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
				msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return userMsg, assistantMsg, nil
}

// ListMessages returns a conversation's messages oldest first. Rows written
// in the same instant keep insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages m WHERE m.conversation_id = ? ORDER BY m.created_at ASC, m.rowid ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessageForUser returns the message only if it sits in a conversation
// owned by userID; nil, nil otherwise.
func (s *SQLiteStore) GetMessageForUser(ctx context.Context, messageID string, userID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN conversations c ON c.id = m.conversation_id WHERE m.id = ? AND c.user_id = ?",
		messageID, userID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
