package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/doc-chat/internal/api"
	"gwi.com/doc-chat/internal/auth"
	"gwi.com/doc-chat/internal/blobstore"
	"gwi.com/doc-chat/internal/config"
	"gwi.com/doc-chat/internal/core"
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/llm"
	"gwi.com/doc-chat/internal/store"
	"gwi.com/doc-chat/internal/vectorindex"
)

func main() {
	config.LoadConfig()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	sweepOnly := flag.Bool("sweep", false, "Remove vector indexes of deleted conversations and exit")
	flag.Parse()

	if config.AppConfig.JWTSecret == "" && !*sweepOnly {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	blobs, err := blobstore.New(config.AppConfig.UploadDir)
	if err != nil {
		log.Fatalf("Failed to initialize upload directory: %v", err)
	}

	provider, err := llm.New(context.Background(), config.AppConfig)
	if err != nil {
		log.Fatalf("Failed to initialize %s provider: %v", config.AppConfig.Provider, err)
	}
	defer provider.Close()

	indexes, err := vectorindex.NewManager(config.AppConfig.IndexDir, provider)
	if err != nil {
		log.Fatalf("Failed to initialize vector index manager: %v", err)
	}
	defer indexes.Close()
	log.Printf("Vector indexes stored under %s", indexes.Root())

	pipeline := ingest.NewPipeline(provider,
		ingest.WithMaxBytes(config.AppConfig.MaxUploadBytes()),
		ingest.WithSplitter(ingest.NewSplitter(config.AppConfig.ChunkSize, config.AppConfig.ChunkOverlap)),
	)
	ragService := core.NewRAGService(indexes, provider, config.AppConfig.TopK)
	chatService := core.NewChatService(dbStore, blobs, pipeline, indexes, ragService)

	removed, err := chatService.SweepOrphanIndexes(context.Background())
	if err != nil {
		log.Printf("Orphan index sweep failed: %v", err)
	}
	if *sweepOnly {
		log.Printf("Sweep complete. Removed %d orphaned index(es). Exiting.", removed)
		return
	}

	apiHandler := api.NewAPIHandler(chatService, auth.NewCredentials(dbStore), config.AppConfig.MaxUploadBytes())
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
		// Large uploads are read and embedded before the response is written.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s using %s. Press Ctrl+C to quit.", serverAddr, provider.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exiting gracefully")
}
