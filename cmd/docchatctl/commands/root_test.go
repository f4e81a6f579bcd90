package commands

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/store"
	"gwi.com/doc-chat/internal/vectorindex"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("DATABASE_URL", filepath.Join(root, "chat.db"))
	t.Setenv("UPLOAD_DIR", filepath.Join(root, "uploads"))
	t.Setenv("INDEX_DIR", filepath.Join(root, "indexes"))
	t.Setenv("DOCCHAT_PASSWORD", "")
	return root
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()
	if cmd.Use != "docchatctl" {
		t.Errorf("Use = %q, want docchatctl", cmd.Use)
	}

	want := map[string]bool{"users": false, "conversations": false, "sweep": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestUsersCreateAndDelete(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "users", "create", "alice", "--password", "s3cret")
	if err != nil {
		t.Fatalf("users create error = %v", err)
	}
	if !strings.Contains(out, "Created user alice") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, "users", "create", "alice", "--password", "again"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate create error = %v, want Conflict", err)
	}
	if _, err := run(t, "users", "create", "bob"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("create without password error = %v, want Validation", err)
	}

	out, err = run(t, "users", "delete", "alice")
	if err != nil {
		t.Fatalf("users delete error = %v", err)
	}
	if !strings.Contains(out, "Deleted user alice") {
		t.Errorf("output = %q", out)
	}
	if _, err := run(t, "users", "delete", "alice"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete error = %v, want NotFound", err)
	}
}

func TestUsersCreatePasswordFromEnv(t *testing.T) {
	setupEnv(t)
	t.Setenv("DOCCHAT_PASSWORD", "from-env")

	if _, err := run(t, "users", "create", "carol"); err != nil {
		t.Fatalf("users create error = %v", err)
	}
}

func TestConversationsList(t *testing.T) {
	root := setupEnv(t)
	if _, err := run(t, "users", "create", "alice", "--password", "pw"); err != nil {
		t.Fatalf("users create error = %v", err)
	}

	out, err := run(t, "conversations", "list", "--user", "alice")
	if err != nil {
		t.Fatalf("conversations list error = %v", err)
	}
	if !strings.Contains(out, "No conversations for alice") {
		t.Errorf("output = %q", out)
	}

	db, err := store.NewSQLiteStore(filepath.Join(root, "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	user, _ := db.GetUserByUsername(context.Background(), "alice")
	if _, err := db.CreateConversation(context.Background(), user.ID, "Quarterly numbers"); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	db.Close()

	out, err = run(t, "conversations", "list", "--user", "alice")
	if err != nil {
		t.Fatalf("conversations list error = %v", err)
	}
	if !strings.Contains(out, "FEEDBACK") {
		t.Errorf("output = %q, want a FEEDBACK column", out)
	}
	if !strings.Contains(out, "Quarterly numbers") || !strings.Contains(out, "empty") {
		t.Errorf("output = %q, want the conversation in empty state", out)
	}

	if _, err := run(t, "conversations", "list"); err == nil {
		t.Errorf("list without --user succeeded")
	}
}

func TestSweep(t *testing.T) {
	root := setupEnv(t)

	indexes, err := vectorindex.NewManager(filepath.Join(root, "indexes"), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	chunk := ingest.Chunk{Segment: ingest.Segment{Text: "left behind"}, Vector: []float32{1, 0}}
	batch := vectorindex.Batch{Source: vectorindex.Source{Hash: "abc", FileName: "a.txt"}, Chunks: []ingest.Chunk{chunk}}
	if _, err := indexes.Create(context.Background(), "gone-conversation", batch); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	indexes.Close()

	out, err := run(t, "sweep")
	if err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out, "Removed 1 orphaned index(es)") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCmd(t *testing.T) {
	original := versionInfo
	defer func() { versionInfo = original }()

	SetVersion("1.2.3", "abc123", "2026-10-01")
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	for _, want := range []string{"docchatctl 1.2.3", "Commit: abc123", "Built:  2026-10-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
