package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gwi.com/doc-chat/internal/apperr"
)

const conversationColumns = "id, user_id, title, created_at"

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func insertConversation(ctx context.Context, exec execer, userID int64, title string) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := exec.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return conv, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error) {
	return insertConversation(ctx, s.db, userID, title)
}

// GetConversation returns nil, nil when the conversation does not exist or
// belongs to another user.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string, userID int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ? AND user_id = ?", id, userID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE user_id = ? ORDER BY created_at DESC, rowid DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// ConversationExists reports whether any user owns a conversation with id.
func (s *SQLiteStore) ConversationExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, id string, userID int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?", title, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.New(apperr.NotFound, "conversation not found")
	}
	return nil
}

// DeleteConversation removes the conversation and its feedback, messages and
// documents in one transaction. The deleted document rows are returned so the
// caller can release their blobs once the delete has committed.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string, userID int64) ([]Document, error) {
	var docs []Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, "SELECT user_id FROM conversations WHERE id = ?", id).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
			return apperr.New(apperr.NotFound, "conversation not found")
		}
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}

		docs, err = listDocuments(ctx, tx, id)
		if err != nil {
			return err
		}

		// Children first, so the delete holds even with foreign_keys off.
		steps := []struct{ what, query string }{
			{"feedback", "DELETE FROM feedback WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)"},
			{"messages", "DELETE FROM messages WHERE conversation_id = ?"},
			{"documents", "DELETE FROM documents WHERE conversation_id = ?"},
			{"conversation", "DELETE FROM conversations WHERE id = ?"},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", step.what, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
