package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const documentColumns = "id, conversation_id, file_name, file_path, uploaded_at"

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.ConversationID, &d.FileName, &d.FilePath, &d.UploadedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func listDocuments(ctx context.Context, q querier, conversationID string) ([]Document, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE conversation_id = ? ORDER BY uploaded_at ASC, rowid ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func findDocument(ctx context.Context, q querier, conversationID, filePath string) (*Document, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE conversation_id = ? AND file_path = ?",
		conversationID, filePath)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	return doc, nil
}

func insertDocument(ctx context.Context, exec execer, conversationID, fileName, filePath string) (*Document, error) {
	doc := &Document{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FileName:       fileName,
		FilePath:       filePath,
		UploadedAt:     time.Now().UTC(),
	}
	_, err := exec.ExecContext(ctx,
		"INSERT INTO documents (id, conversation_id, file_name, file_path, uploaded_at) VALUES (?, ?, ?, ?, ?)",
		doc.ID, doc.ConversationID, doc.FileName, doc.FilePath, doc.UploadedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, conversationID string) ([]Document, error) {
	return listDocuments(ctx, s.db, conversationID)
}

// FindDocument returns the document recorded for (conversationID, filePath),
// or nil, nil.
func (s *SQLiteStore) FindDocument(ctx context.Context, conversationID, filePath string) (*Document, error) {
	return findDocument(ctx, s.db, conversationID, filePath)
}

// AddDocument records a document unless the (conversation, path) pair is
// already present, in which case the existing row is returned with
// created == false.
func (s *SQLiteStore) AddDocument(ctx context.Context, conversationID, fileName, filePath string) (doc *Document, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findDocument(ctx, tx, conversationID, filePath)
		if err != nil {
			return err
		}
		if existing != nil {
			doc = existing
			return nil
		}
		doc, err = insertDocument(ctx, tx, conversationID, fileName, filePath)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return doc, created, nil
}

// CreateConversationWithDocument starts a new conversation whose first
// document is recorded in the same transaction.
func (s *SQLiteStore) CreateConversationWithDocument(ctx context.Context, userID int64, title, fileName, filePath string) (*Conversation, *Document, error) {
	var conv *Conversation
	var doc *Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		conv, err = insertConversation(ctx, tx, userID, title)
		if err != nil {
			return err
		}
		doc, err = insertDocument(ctx, tx, conv.ID, fileName, filePath)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, doc, nil
}

// CountDocumentsByPath counts document rows, across all conversations, that
// reference the blob at filePath.
func (s *SQLiteStore) CountDocumentsByPath(ctx context.Context, filePath string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE file_path = ?", filePath).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}
