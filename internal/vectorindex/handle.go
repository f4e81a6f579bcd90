package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/utils"
)

const indexFile = "index.db"

// ErrHandleClosed is returned by a handle whose index has been destroyed or
// superseded.
var ErrHandleClosed = errors.New("vector index handle is closed")

const indexSchema = `
CREATE TABLE IF NOT EXISTS sources (
    hash TEXT PRIMARY KEY,
    file_name TEXT NOT NULL,
    chunk_count INTEGER NOT NULL,
    added_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_hash TEXT NOT NULL,
    position INTEGER NOT NULL,
    content TEXT NOT NULL,
    embedding BLOB NOT NULL,
    FOREIGN KEY (source_hash) REFERENCES sources (hash) ON DELETE CASCADE
);
`

// Source identifies the document a batch of chunks came from.
type Source struct {
	Hash     string
	FileName string
}

// Batch is one document's chunks.
type Batch struct {
	Source Source
	Chunks []ingest.Chunk
}

type Result struct {
	Text       string  `json:"text"`
	Position   int     `json:"position"`
	SourceHash string  `json:"source_hash"`
	FileName   string  `json:"file_name"`
	Score      float32 `json:"score"`
}

type entry struct {
	source   Source
	position int
	text     string
	vector   []float32
}

// Handle is a live reference to one conversation's on-disk index. Vectors
// are held in memory for search; writes go to disk first.
type Handle struct {
	conversationID string
	dir            string

	mu      sync.RWMutex
	db      *sql.DB
	closed  bool
	sources map[string]Source
	entries []entry
	dim     int
}

func (h *Handle) ConversationID() string { return h.conversationID }

func (h *Handle) Dir() string { return h.dir }

// Len returns the number of indexed chunks.
func (h *Handle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *Handle) HasSource(hash string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sources[hash]
	return ok
}

func (h *Handle) Sources() []Source {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Source, 0, len(h.sources))
	for _, s := range h.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func openHandle(ctx context.Context, conversationID, dir string) (*Handle, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dir, indexFile)+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	h := &Handle{
		conversationID: conversationID,
		dir:            dir,
		db:             db,
		sources:        make(map[string]Source),
	}
	if err := h.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *Handle) load(ctx context.Context) error {
	rows, err := h.db.QueryContext(ctx, "SELECT hash, file_name FROM sources")
	if err != nil {
		return fmt.Errorf("failed to query index sources: %w", err)
	}
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.Hash, &s.FileName); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan index source: %w", err)
		}
		h.sources[s.Hash] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = h.db.QueryContext(ctx, "SELECT source_hash, position, content, embedding FROM chunks ORDER BY id")
	if err != nil {
		return fmt.Errorf("failed to query index chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e entry
		var hash string
		var blob []byte
		if err := rows.Scan(&hash, &e.position, &e.text, &blob); err != nil {
			return fmt.Errorf("failed to scan index chunk: %w", err)
		}
		e.vector, err = utils.DecodeVector(blob)
		if err != nil {
			log.Printf("Skipping corrupt vector in %s: %v", h.dir, err)
			continue
		}
		e.source = h.sources[hash]
		if h.dim == 0 {
			h.dim = len(e.vector)
		}
		h.entries = append(h.entries, e)
	}
	return rows.Err()
}

// add writes batches in one transaction. Sources already present are skipped.
func (h *Handle) add(ctx context.Context, batches []Batch) (added int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHandleClosed
	}

	dim := h.dim
	var pending []Batch
	for _, b := range batches {
		if _, ok := h.sources[b.Source.Hash]; ok {
			continue
		}
		for _, c := range b.Chunks {
			if dim == 0 {
				dim = len(c.Vector)
			}
			if len(c.Vector) != dim {
				return 0, fmt.Errorf("embedding dimension %d does not match index dimension %d", len(c.Vector), dim)
			}
		}
		pending = append(pending, b)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, b := range pending {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sources (hash, file_name, chunk_count, added_at) VALUES (?, ?, ?, ?)",
			b.Source.Hash, b.Source.FileName, len(b.Chunks), now); err != nil {
			return 0, fmt.Errorf("failed to insert index source: %w", err)
		}
		for _, c := range b.Chunks {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunks (source_hash, position, content, embedding) VALUES (?, ?, ?, ?)",
				b.Source.Hash, c.Position, c.Text, utils.EncodeVector(c.Vector)); err != nil {
				return 0, fmt.Errorf("failed to insert index chunk: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit index transaction: %w", err)
	}

	for _, b := range pending {
		h.sources[b.Source.Hash] = b.Source
		for _, c := range b.Chunks {
			h.entries = append(h.entries, entry{source: b.Source, position: c.Position, text: c.Text, vector: c.Vector})
			added++
		}
	}
	h.dim = dim
	return added, nil
}

func (h *Handle) removeSource(ctx context.Context, hash string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if _, ok := h.sources[hash]; !ok {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE source_hash = ?", hash); err != nil {
		return fmt.Errorf("failed to remove index chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("failed to remove index source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index transaction: %w", err)
	}
	delete(h.sources, hash)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.source.Hash != hash {
			kept = append(kept, e)
		}
	}
	h.entries = kept
	if len(h.entries) == 0 {
		h.dim = 0
	}
	return nil
}

// search ranks every chunk by cosine similarity to vector.
func (h *Handle) search(vector []float32, k int) ([]Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrHandleClosed
	}

	results := make([]Result, 0, len(h.entries))
	for _, e := range h.entries {
		score, err := utils.CosineSimilarity(vector, e.vector)
		if err != nil {
			log.Printf("Skipping chunk %d of %s: %v", e.position, e.source.FileName, err)
			continue
		}
		results = append(results, Result{
			Text:       e.text,
			Position:   e.position,
			SourceHash: e.source.Hash,
			FileName:   e.source.FileName,
			Score:      score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// close invalidates the handle. Safe to call more than once.
func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.entries = nil
	h.sources = map[string]Source{}
	return h.db.Close()
}
