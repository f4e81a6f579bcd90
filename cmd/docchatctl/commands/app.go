package commands

import (
	"context"
	"fmt"

	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/auth"
	"gwi.com/doc-chat/internal/blobstore"
	"gwi.com/doc-chat/internal/config"
	"gwi.com/doc-chat/internal/core"
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/store"
	"gwi.com/doc-chat/internal/vectorindex"
)

// app is the service graph the maintenance commands share. These commands
// never embed or answer, so no model provider is created.
type app struct {
	db          *store.SQLiteStore
	indexes     *vectorindex.Manager
	chat        *core.ChatService
	credentials *auth.Credentials
}

func openApp() (*app, error) {
	cfg := config.Read()

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	blobs, err := blobstore.New(cfg.UploadDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening upload directory: %w", err)
	}
	indexes, err := vectorindex.NewManager(cfg.IndexDir, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening index directory: %w", err)
	}

	pipeline := ingest.NewPipeline(nil)
	chat := core.NewChatService(db, blobs, pipeline, indexes, core.NewRAGService(indexes, nil, cfg.TopK))
	return &app{db: db, indexes: indexes, chat: chat, credentials: auth.NewCredentials(db)}, nil
}

func (a *app) Close() {
	a.indexes.Close()
	a.db.Close()
}

func (a *app) lookupUser(ctx context.Context, username string) (*store.User, error) {
	user, err := a.db.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil {
		return nil, apperr.Newf(apperr.NotFound, "user %q does not exist", username)
	}
	return user, nil
}
