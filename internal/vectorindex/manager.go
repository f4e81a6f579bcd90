// Package vectorindex owns one similarity index per conversation. Each index
// lives in its own directory, chat_<conversationID>_<suffix>, under the
// manager's root; at most one directory per conversation survives any
// mutation.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/utils"
)

const (
	DefaultTopK = 10

	dirPrefix = "chat_"
)

type Manager struct {
	root     string
	embedder ingest.Embedder

	keys utils.KeyedMutex

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewManager(root string, embedder ingest.Embedder) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index root %s: %w", root, err)
	}
	return &Manager{
		root:     root,
		embedder: embedder,
		handles:  make(map[string]*Handle),
	}, nil
}

func (m *Manager) Root() string { return m.root }

func keyPrefix(conversationID string) string {
	return dirPrefix + conversationID + "_"
}

func validateID(conversationID string) error {
	if conversationID == "" || strings.ContainsAny(conversationID, `/\_.`) {
		return fmt.Errorf("invalid conversation id %q for index key", conversationID)
	}
	return nil
}

// Lookup returns the cached handle for a conversation, or nil.
func (m *Manager) Lookup(conversationID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[conversationID]
}

func (m *Manager) cache(h *Handle) (previous *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous = m.handles[h.conversationID]
	m.handles[h.conversationID] = h
	return previous
}

func (m *Manager) evict(conversationID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[conversationID]
	delete(m.handles, conversationID)
	return h
}

// Locations lists the on-disk index directories for a conversation, newest
// first.
func (m *Manager) Locations(conversationID string) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list index root: %w", err)
	}

	type loc struct {
		path string
		mod  int64
	}
	var locs []loc
	prefix := keyPrefix(conversationID)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		locs = append(locs, loc{path: filepath.Join(m.root, e.Name()), mod: info.ModTime().UnixNano()})
	}
	sort.SliceStable(locs, func(i, j int) bool { return locs[i].mod > locs[j].mod })

	paths := make([]string, len(locs))
	for i, l := range locs {
		paths[i] = l.path
	}
	return paths, nil
}

// newLocation reserves a fresh directory for a conversation. os.Mkdir fails
// on an existing path, so a suffix collision is retried rather than shared.
func (m *Manager) newLocation(conversationID string) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		dir := filepath.Join(m.root, keyPrefix(conversationID)+suffix)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	return "", fmt.Errorf("could not allocate a unique index directory for %s", conversationID)
}

// Create writes batches into a freshly allocated index and makes it the
// conversation's handle. Every previous handle and directory for the
// conversation is destroyed once the new index is complete.
func (m *Manager) Create(ctx context.Context, conversationID string, batches ...Batch) (*Handle, error) {
	if err := validateID(conversationID); err != nil {
		return nil, err
	}
	unlock := m.keys.Lock(conversationID)
	defer unlock()

	dir, err := m.newLocation(conversationID)
	if err != nil {
		return nil, err
	}

	h, err := openHandle(ctx, conversationID, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if _, err := h.add(ctx, batches); err != nil {
		h.close()
		os.RemoveAll(dir)
		return nil, err
	}

	if prev := m.cache(h); prev != nil {
		prev.close()
	}
	m.removeLocations(conversationID, dir)

	log.Printf("Created vector index %s with %d chunks", filepath.Base(dir), h.Len())
	return h, nil
}

// Append adds batches to the conversation's current index in place.
func (m *Manager) Append(ctx context.Context, h *Handle, batches ...Batch) (int, error) {
	unlock := m.keys.Lock(h.conversationID)
	defer unlock()

	if m.Lookup(h.conversationID) != h {
		return 0, ErrHandleClosed
	}
	added, err := h.add(ctx, batches)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		log.Printf("Appended %d chunks to vector index %s", added, filepath.Base(h.dir))
	}
	return added, nil
}

// RemoveSource drops one document's chunks from the index.
func (m *Manager) RemoveSource(ctx context.Context, h *Handle, hash string) error {
	unlock := m.keys.Lock(h.conversationID)
	defer unlock()
	return h.removeSource(ctx, hash)
}

// Open returns the conversation's handle, reopening the newest on-disk index
// when nothing is cached. Older directories for the conversation are removed.
// It returns nil, nil when the conversation has no index at all.
func (m *Manager) Open(ctx context.Context, conversationID string) (*Handle, error) {
	if err := validateID(conversationID); err != nil {
		return nil, err
	}
	unlock := m.keys.Lock(conversationID)
	defer unlock()

	if h := m.Lookup(conversationID); h != nil {
		return h, nil
	}

	locs, err := m.Locations(conversationID)
	if err != nil {
		return nil, err
	}
	for _, dir := range locs {
		if _, err := os.Stat(filepath.Join(dir, indexFile)); err != nil {
			continue
		}
		h, err := openHandle(ctx, conversationID, dir)
		if err != nil {
			log.Printf("Discarding unreadable vector index %s: %v", filepath.Base(dir), err)
			continue
		}
		m.cache(h)
		m.removeLocations(conversationID, dir)
		log.Printf("Reopened vector index %s with %d chunks", filepath.Base(dir), h.Len())
		return h, nil
	}

	m.removeLocations(conversationID, "")
	return nil, nil
}

// Query returns the k chunks most similar to question, best first. k <= 0
// means DefaultTopK.
func (m *Manager) Query(ctx context.Context, h *Handle, question string, k int) ([]Result, error) {
	if h == nil {
		return nil, ErrHandleClosed
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if h.Closed() {
		return nil, ErrHandleClosed
	}
	if m.embedder == nil {
		return nil, errors.New("no embedding service configured")
	}

	vectors, err := m.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, errors.New("embedding service returned no vector for the question")
	}
	return h.search(vectors[0], k)
}

// Destroy invalidates the conversation's handle and deletes every index
// directory under its key prefix. It is a no-op when none exist.
func (m *Manager) Destroy(conversationID string) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	unlock := m.keys.Lock(conversationID)
	defer unlock()

	if h := m.evict(conversationID); h != nil {
		if err := h.close(); err != nil {
			log.Printf("Error closing vector index %s: %v", filepath.Base(h.dir), err)
		}
	}

	locs, err := m.Locations(conversationID)
	if err != nil {
		return err
	}
	for _, dir := range locs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove index directory %s: %w", dir, err)
		}
	}
	if len(locs) > 0 {
		log.Printf("Destroyed %d vector index location(s) for conversation %s", len(locs), conversationID)
	}
	return nil
}

// removeLocations deletes the conversation's directories other than keep.
// Failures are logged; the next mutation retries them.
func (m *Manager) removeLocations(conversationID, keep string) {
	locs, err := m.Locations(conversationID)
	if err != nil {
		log.Printf("Could not list index directories for %s: %v", conversationID, err)
		return
	}
	for _, dir := range locs {
		if dir == keep {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("Could not remove superseded index %s: %v", filepath.Base(dir), err)
			continue
		}
		log.Printf("Removed superseded vector index %s", filepath.Base(dir))
	}
}

// ConversationIDs returns the conversation ids that own at least one index
// directory.
func (m *Manager) ConversationIDs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list index root: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := parseDirName(e.Name())
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseDirName(name string) (string, bool) {
	if !strings.HasPrefix(name, dirPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, dirPrefix)
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[:i], true
}

// Sweep destroys the indexes of conversations for which live reports false.
func (m *Manager) Sweep(live func(conversationID string) bool) (int, error) {
	ids, err := m.ConversationIDs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if validateID(id) != nil || live(id) {
			continue
		}
		if err := m.Destroy(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close releases every cached handle.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.close(); err != nil {
			log.Printf("Error closing vector index %s: %v", filepath.Base(h.dir), err)
		}
	}
}
