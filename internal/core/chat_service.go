package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/blobstore"
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/store"
	"gwi.com/doc-chat/internal/utils"
	"gwi.com/doc-chat/internal/vectorindex"
)

const MaxTitleLength = 100

// State is where a conversation sits in its lifecycle.
type State string

const (
	StateEmpty   State = "empty"
	StateIndexed State = "indexed"
	StateDeleted State = "deleted"
)

type UploadResult struct {
	Conversation *store.Conversation `json:"conversation"`
	Document     *store.Document     `json:"document"`
	Duplicate    bool                `json:"duplicate"`
	Chunks       int                 `json:"chunks"`
}

type AskResult struct {
	ConversationID string               `json:"conversation_id"`
	Question       *store.Message       `json:"question,omitempty"`
	Answer         *store.Message       `json:"answer,omitempty"`
	Text           string               `json:"text"`
	Grounded       bool                 `json:"grounded"`
	Sources        []vectorindex.Result `json:"sources,omitempty"`
}

type ConversationView struct {
	Conversation *store.Conversation `json:"conversation"`
	Messages     []store.Message     `json:"messages"`
	Documents    []store.Document    `json:"documents"`
	State        State               `json:"state"`
}

type ChatService struct {
	dbStore  *store.SQLiteStore
	blobs    *blobstore.Store
	pipeline *ingest.Pipeline
	indexes  *vectorindex.Manager
	rag      *RAGService

	// locks serializes uploads, self-heal and deletion per conversation.
	locks utils.KeyedMutex
	// blobLocks is keyed by blob path and always taken after locks. It spans
	// a blob write until its document row commits, and a reference count
	// until the matching Remove.
	blobLocks utils.KeyedMutex
}

func NewChatService(db *store.SQLiteStore, blobs *blobstore.Store, pipeline *ingest.Pipeline, indexes *vectorindex.Manager, rag *RAGService) *ChatService {
	return &ChatService{
		dbStore:  db,
		blobs:    blobs,
		pipeline: pipeline,
		indexes:  indexes,
		rag:      rag,
	}
}

func (s *ChatService) ownedConversation(ctx context.Context, userID int64, conversationID string) (*store.Conversation, error) {
	conv, err := s.dbStore.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, apperr.New(apperr.NotFound, "conversation not found")
	}
	return conv, nil
}

// UploadDocument adds a document to the conversation, creating the
// conversation first when conversationID is empty. Re-uploading bytes the
// conversation already holds changes nothing and reports Duplicate.
func (s *ChatService) UploadDocument(ctx context.Context, userID int64, conversationID, fileName string, data []byte) (*UploadResult, error) {
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, apperr.New(apperr.Validation, "file name is required")
	}
	format, err := ingest.FormatFromFilename(fileName)
	if err != nil {
		return nil, err
	}
	if err := s.pipeline.Validate(int64(len(data)), format); err != nil {
		return nil, err
	}

	if conversationID == "" {
		return s.uploadToNewConversation(ctx, userID, fileName, format, data)
	}

	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	h, err := s.ensureIndex(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore vector index: %w", err)
	}

	hash := blobstore.Hash(data)
	blobPath := s.blobs.Path(blobstore.Key(data, fileName))
	existing, err := s.dbStore.FindDocument(ctx, conv.ID, blobPath)
	if err != nil {
		return nil, err
	}
	if existing != nil && h != nil && h.HasSource(hash) {
		log.Printf("Document %s already indexed in conversation %s", fileName, conv.ID)
		return &UploadResult{Conversation: conv, Document: existing, Duplicate: true}, nil
	}

	chunks, err := s.pipeline.Process(ctx, data, format)
	if err != nil {
		return nil, err
	}

	unlockBlob := s.blobLocks.Lock(blobPath)
	defer unlockBlob()
	path, created, err := s.blobs.Put(data, fileName)
	if err != nil {
		return nil, err
	}

	batch := vectorindex.Batch{Source: vectorindex.Source{Hash: hash, FileName: fileName}, Chunks: chunks}
	newIndex := h == nil
	added := len(chunks)
	if newIndex {
		h, err = s.indexes.Create(ctx, conv.ID, batch)
	} else {
		added, err = s.indexes.Append(ctx, h, batch)
	}
	if err != nil {
		s.discardBlob(ctx, path, created)
		return nil, fmt.Errorf("failed to index document: %w", err)
	}

	doc, _, err := s.dbStore.AddDocument(ctx, conv.ID, fileName, path)
	if err != nil {
		switch {
		case newIndex:
			if derr := s.indexes.Destroy(conv.ID); derr != nil {
				log.Printf("Error discarding index for %s after failed write: %v", conv.ID, derr)
			}
		case added > 0:
			if rerr := s.indexes.RemoveSource(ctx, h, hash); rerr != nil {
				log.Printf("Error removing source %s from %s after failed write: %v", hash, conv.ID, rerr)
			}
		}
		s.discardBlob(ctx, path, created)
		return nil, err
	}

	log.Printf("Indexed %s (%d chunks) into conversation %s", fileName, len(chunks), conv.ID)
	return &UploadResult{Conversation: conv, Document: doc, Chunks: len(chunks)}, nil
}

func (s *ChatService) uploadToNewConversation(ctx context.Context, userID int64, fileName string, format ingest.Format, data []byte) (*UploadResult, error) {
	chunks, err := s.pipeline.Process(ctx, data, format)
	if err != nil {
		return nil, err
	}
	blobPath := s.blobs.Path(blobstore.Key(data, fileName))
	unlockBlob := s.blobLocks.Lock(blobPath)
	path, created, err := s.blobs.Put(data, fileName)
	if err != nil {
		unlockBlob()
		return nil, err
	}
	conv, doc, err := s.dbStore.CreateConversationWithDocument(ctx, userID, store.DefaultConversationTitle, fileName, path)
	if err != nil {
		s.discardBlob(ctx, path, created)
		unlockBlob()
		return nil, err
	}
	// The row now holds the blob, so the blob lock can go before the
	// conversation lock is taken.
	unlockBlob()

	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	batch := vectorindex.Batch{Source: vectorindex.Source{Hash: blobstore.Hash(data), FileName: fileName}, Chunks: chunks}
	if _, err := s.indexes.Create(ctx, conv.ID, batch); err != nil {
		if _, derr := s.dbStore.DeleteConversation(ctx, conv.ID, userID); derr != nil {
			log.Printf("Error rolling back conversation %s: %v", conv.ID, derr)
		}
		unlockBlob := s.blobLocks.Lock(path)
		s.discardBlob(ctx, path, created)
		unlockBlob()
		return nil, fmt.Errorf("failed to index document: %w", err)
	}

	log.Printf("Started conversation %s with %s (%d chunks)", conv.ID, fileName, len(chunks))
	return &UploadResult{Conversation: conv, Document: doc, Chunks: len(chunks)}, nil
}

// discardBlob removes a blob this call wrote once nothing references it.
// Callers hold s.blobLocks for path.
func (s *ChatService) discardBlob(ctx context.Context, path string, created bool) {
	if !created {
		return
	}
	s.removeUnreferencedBlob(ctx, path)
}

// removeUnreferencedBlob deletes path when no document row points at it.
// Callers hold s.blobLocks for path.
func (s *ChatService) removeUnreferencedBlob(ctx context.Context, path string) {
	n, err := s.dbStore.CountDocumentsByPath(ctx, path)
	if err != nil {
		log.Printf("Could not check references to blob %s: %v", path, err)
		return
	}
	if n > 0 {
		return
	}
	if err := s.blobs.Remove(path); err != nil {
		log.Printf("Could not remove blob %s: %v", path, err)
	}
}

// ensureIndex returns the conversation's live handle, reopening it from disk
// or rebuilding it from the content store when needed, and brings its sources
// in line with the recorded documents. It returns nil for a conversation
// without documents. Callers hold s.locks for conversationID.
func (s *ChatService) ensureIndex(ctx context.Context, conversationID string) (*vectorindex.Handle, error) {
	docs, err := s.dbStore.ListDocuments(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		if err := s.indexes.Destroy(conversationID); err != nil {
			log.Printf("Could not remove stale index for %s: %v", conversationID, err)
		}
		return nil, nil
	}

	h, err := s.indexes.Open(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(docs))
	var missing []vectorindex.Batch
	for _, doc := range docs {
		hash := blobstore.HashFromPath(doc.FilePath)
		if want[hash] {
			continue
		}
		want[hash] = true
		if h != nil && h.HasSource(hash) {
			continue
		}
		batch, err := s.rebuildBatch(ctx, doc, hash)
		if err != nil {
			return nil, err
		}
		missing = append(missing, batch)
	}

	if h != nil {
		for _, src := range h.Sources() {
			if want[src.Hash] {
				continue
			}
			if err := s.indexes.RemoveSource(ctx, h, src.Hash); err != nil {
				return nil, err
			}
			log.Printf("Dropped unrecorded source %s from conversation %s", src.FileName, conversationID)
		}
	}

	switch {
	case len(missing) == 0:
		return h, nil
	case h == nil:
		log.Printf("Rebuilding vector index for conversation %s from %d document(s)", conversationID, len(missing))
		return s.indexes.Create(ctx, conversationID, missing...)
	default:
		log.Printf("Restoring %d missing source(s) into conversation %s", len(missing), conversationID)
		if _, err := s.indexes.Append(ctx, h, missing...); err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (s *ChatService) rebuildBatch(ctx context.Context, doc store.Document, hash string) (vectorindex.Batch, error) {
	data, err := s.blobs.Read(doc.FilePath)
	if err != nil {
		return vectorindex.Batch{}, apperr.Wrap(apperr.Internal, err, fmt.Sprintf("document %s is missing from the content store", doc.FileName))
	}
	format, err := ingest.FormatFromFilename(doc.FileName)
	if err != nil {
		return vectorindex.Batch{}, err
	}
	chunks, err := s.pipeline.Process(ctx, data, format)
	if err != nil {
		return vectorindex.Batch{}, err
	}
	return vectorindex.Batch{Source: vectorindex.Source{Hash: hash, FileName: doc.FileName}, Chunks: chunks}, nil
}

// handleFor re-establishes the conversation's handle under its lock.
func (s *ChatService) handleFor(ctx context.Context, conversationID string) (*vectorindex.Handle, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()
	return s.ensureIndex(ctx, conversationID)
}

// Ask answers question from the conversation's documents. Without documents
// the reply is NoDocumentResponse and nothing is stored; otherwise the
// question and answer are persisted together.
func (s *ChatService) Ask(ctx context.Context, userID int64, conversationID, question string) (*AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.New(apperr.Validation, "question is required")
	}
	if conversationID == "" {
		return &AskResult{Text: NoDocumentResponse}, nil
	}
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	h, err := s.handleFor(ctx, conv.ID)
	if err != nil {
		return nil, restoreFailed(err)
	}
	if h == nil {
		return &AskResult{ConversationID: conv.ID, Text: NoDocumentResponse}, nil
	}

	answer, err := s.rag.Answer(ctx, h, question)
	if errors.Is(err, vectorindex.ErrHandleClosed) {
		// Superseded or destroyed while we were asking; reacquire once.
		if h, err = s.handleFor(ctx, conv.ID); err != nil {
			return nil, restoreFailed(err)
		}
		if h == nil {
			return &AskResult{ConversationID: conv.ID, Text: NoDocumentResponse}, nil
		}
		answer, err = s.rag.Answer(ctx, h, question)
	}
	if err != nil {
		if errors.Is(err, vectorindex.ErrHandleClosed) {
			return nil, apperr.Wrap(apperr.AnswerGenerationFailed, err, "index changed during the request")
		}
		log.Printf("Answer generation failed for conversation %s: %v", conv.ID, err)
		return nil, err
	}

	userMsg, assistantMsg, err := s.dbStore.CreateMessagePair(ctx, conv.ID, question, answer.Text)
	if err != nil {
		return nil, err
	}
	return &AskResult{
		ConversationID: conv.ID,
		Question:       userMsg,
		Answer:         assistantMsg,
		Text:           answer.Text,
		Grounded:       answer.Grounded,
		Sources:        answer.Sources,
	}, nil
}

// restoreFailed reports a rebuild that failed while answering. Extraction or
// embedding trouble at that point is an answering failure, not a rejected
// upload.
func restoreFailed(err error) error {
	if errors.Is(err, apperr.ErrIngestionFailed) {
		return apperr.Wrap(apperr.AnswerGenerationFailed, err, "failed to rebuild vector index")
	}
	return fmt.Errorf("failed to restore vector index: %w", err)
}

func (s *ChatService) ListConversations(ctx context.Context, userID int64) ([]store.Conversation, error) {
	return s.dbStore.ListConversations(ctx, userID)
}

// SwitchConversation loads everything needed to resume a conversation and
// makes sure its index is ready for the next question.
func (s *ChatService) SwitchConversation(ctx context.Context, userID int64, conversationID string) (*ConversationView, error) {
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.dbStore.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	docs, err := s.dbStore.ListDocuments(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	view := &ConversationView{Conversation: conv, Messages: messages, Documents: docs, State: StateEmpty}
	if len(docs) > 0 {
		view.State = StateIndexed
		if _, err := s.handleFor(ctx, conv.ID); err != nil {
			log.Printf("Could not restore vector index for conversation %s: %v", conv.ID, err)
		}
	}
	return view, nil
}

func (s *ChatService) CreateConversation(ctx context.Context, userID int64, title string) (*store.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = store.DefaultConversationTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, apperr.Newf(apperr.Validation, "title must be at most %d characters", MaxTitleLength)
	}
	return s.dbStore.CreateConversation(ctx, userID, title)
}

// RenameConversation sets a new title. Blank titles are rejected.
func (s *ChatService) RenameConversation(ctx context.Context, userID int64, conversationID, title string) (*store.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.New(apperr.Validation, "title must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, apperr.Newf(apperr.Validation, "title must be at most %d characters", MaxTitleLength)
	}
	if err := s.dbStore.UpdateConversationTitle(ctx, conversationID, userID, title); err != nil {
		return nil, err
	}
	return s.ownedConversation(ctx, userID, conversationID)
}

// DeleteConversation destroys the conversation's index, then its rows, then
// any blobs no other document still references.
func (s *ChatService) DeleteConversation(ctx context.Context, userID int64, conversationID string) error {
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	if err := s.indexes.Destroy(conv.ID); err != nil {
		return fmt.Errorf("failed to destroy vector index: %w", err)
	}
	docs, err := s.dbStore.DeleteConversation(ctx, conv.ID, userID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if seen[doc.FilePath] {
			continue
		}
		seen[doc.FilePath] = true
		unlockBlob := s.blobLocks.Lock(doc.FilePath)
		s.removeUnreferencedBlob(ctx, doc.FilePath)
		unlockBlob()
	}
	log.Printf("Deleted conversation %s (%d document(s))", conv.ID, len(docs))
	return nil
}

// SubmitFeedback records whether an answer helped. A later submission for
// the same message replaces the earlier one.
func (s *ChatService) SubmitFeedback(ctx context.Context, userID int64, messageID string, helpful bool, comment *string) (*store.Feedback, error) {
	msg, err := s.dbStore.GetMessageForUser(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperr.New(apperr.NotFound, "message not found")
	}
	if msg.Role != store.RoleAssistant {
		return nil, apperr.New(apperr.Validation, "feedback can only be given on answers")
	}
	if comment != nil {
		trimmed := strings.TrimSpace(*comment)
		if trimmed == "" {
			comment = nil
		} else {
			comment = &trimmed
		}
	}
	return s.dbStore.UpsertFeedback(ctx, msg.ID, helpful, comment)
}

func (s *ChatService) ListMessages(ctx context.Context, userID int64, conversationID string) ([]store.Message, error) {
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.dbStore.ListMessages(ctx, conv.ID)
}

func (s *ChatService) ListDocuments(ctx context.Context, userID int64, conversationID string) ([]store.Document, error) {
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.dbStore.ListDocuments(ctx, conv.ID)
}

// ConversationState reports StateDeleted for conversations that no longer
// exist for the user.
func (s *ChatService) ConversationState(ctx context.Context, userID int64, conversationID string) (State, error) {
	conv, err := s.dbStore.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return StateDeleted, nil
	}
	docs, err := s.dbStore.ListDocuments(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return StateEmpty, nil
	}
	return StateIndexed, nil
}

// DeleteUser removes every conversation the user owns, with their indexes
// and blobs, and then the account.
func (s *ChatService) DeleteUser(ctx context.Context, userID int64) error {
	convs, err := s.dbStore.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := s.DeleteConversation(ctx, userID, conv.ID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}
	return s.dbStore.DeleteUser(ctx, userID)
}

// SweepOrphanIndexes removes index directories whose conversation is gone.
func (s *ChatService) SweepOrphanIndexes(ctx context.Context) (int, error) {
	removed, err := s.indexes.Sweep(func(conversationID string) bool {
		exists, err := s.dbStore.ConversationExists(ctx, conversationID)
		if err != nil {
			log.Printf("Keeping index for %s, existence check failed: %v", conversationID, err)
			return true
		}
		return exists
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep vector indexes: %w", err)
	}
	if removed > 0 {
		log.Printf("Swept %d orphaned vector index(es)", removed)
	}
	return removed, nil
}

// GetUser returns nil when the account no longer exists.
func (s *ChatService) GetUser(ctx context.Context, userID int64) (*store.User, error) {
	return s.dbStore.GetUserByID(ctx, userID)
}
