package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertFeedback records feedback for a message. A second submission for the
// same message overwrites the first; created_at keeps the original time.
func (s *SQLiteStore) UpsertFeedback(ctx context.Context, messageID string, helpful bool, comment *string) (*Feedback, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO feedback (message_id, is_helpful, comment, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (message_id) DO UPDATE SET
            is_helpful = excluded.is_helpful,
            comment = excluded.comment,
            updated_at = excluded.updated_at`,
		messageID, helpful, comment, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert feedback: %w", err)
	}

	fb, err := s.GetFeedback(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if fb == nil {
		return nil, fmt.Errorf("feedback for message %s vanished after upsert", messageID)
	}
	return fb, nil
}

// GetFeedback returns nil, nil when the message has no feedback.
func (s *SQLiteStore) GetFeedback(ctx context.Context, messageID string) (*Feedback, error) {
	var fb Feedback
	var comment sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, message_id, is_helpful, comment, created_at, updated_at FROM feedback WHERE message_id = ?",
		messageID).Scan(&fb.ID, &fb.MessageID, &fb.IsHelpful, &comment, &fb.CreatedAt, &fb.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	if comment.Valid {
		fb.Comment = &comment.String
	}
	return &fb, nil
}

func (s *SQLiteStore) CountFeedbackForConversation(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM feedback f JOIN messages m ON m.id = f.message_id WHERE m.conversation_id = ?",
		conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return n, nil
}
