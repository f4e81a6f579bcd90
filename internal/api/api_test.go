package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/auth"
	"gwi.com/doc-chat/internal/blobstore"
	"gwi.com/doc-chat/internal/config"
	"gwi.com/doc-chat/internal/core"
	"gwi.com/doc-chat/internal/ingest"
	"gwi.com/doc-chat/internal/store"
	"gwi.com/doc-chat/internal/vectorindex"
)

type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := []float32{0.01, 0, 0}
		if strings.Contains(strings.ToLower(text), "moon") {
			v[1] = 1
		}
		if strings.Contains(strings.ToLower(text), "sun") {
			v[2] = 1
		}
		out[i] = v
	}
	return out, nil
}

type stubCompleter struct {
	reply string
	err   error
}

func (c *stubCompleter) Complete(_ context.Context, _, _, _ string) (string, error) {
	return c.reply, c.err
}

type testServer struct {
	srv  *httptest.Server
	db   *store.SQLiteStore
	comp *stubCompleter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	config.AppConfig.JWTSecret = "test-secret"
	root := t.TempDir()

	db, err := store.NewSQLiteStore(filepath.Join(root, "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	blobs, err := blobstore.New(filepath.Join(root, "uploads"))
	if err != nil {
		t.Fatalf("blobstore.New() error = %v", err)
	}
	indexes, err := vectorindex.NewManager(filepath.Join(root, "indexes"), wordEmbedder{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(indexes.Close)

	const maxUpload = 1 << 10
	comp := &stubCompleter{reply: "The moon is made of rock."}
	pipeline := ingest.NewPipeline(wordEmbedder{}, ingest.WithMaxBytes(maxUpload), ingest.WithSplitter(ingest.NewSplitter(50, 0)))
	chat := core.NewChatService(db, blobs, pipeline, indexes, core.NewRAGService(indexes, comp, 0))
	handler := NewAPIHandler(chat, auth.NewCredentials(db), maxUpload)

	srv := httptest.NewServer(NewRouter(handler))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, db: db, comp: comp}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) doJSON(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		buf, _ := json.Marshal(payload)
		body = bytes.NewReader(buf)
	}
	return ts.do(t, method, path, token, body, "application/json")
}

func (ts *testServer) upload(t *testing.T, path, token, fileName, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return ts.do(t, http.MethodPost, path, token, &buf, mw.FormDataContentType())
}

func (ts *testServer) login(t *testing.T, username string) string {
	t.Helper()
	creds := CredentialsRequest{Username: username, Password: "s3cret"}
	if resp := ts.doJSON(t, http.MethodPost, "/api/signup", "", creds); resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}
	resp := ts.doJSON(t, http.MethodPost, "/api/login", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["token"] == "" {
		t.Fatalf("login returned no token")
	}
	return out["token"]
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response error = %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/health", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSignupAndLogin(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")

	dup := ts.doJSON(t, http.MethodPost, "/api/signup", "", CredentialsRequest{Username: "alice", Password: "other"})
	if dup.StatusCode != http.StatusConflict {
		t.Errorf("duplicate signup status = %d, want 409", dup.StatusCode)
	}
	bad := ts.doJSON(t, http.MethodPost, "/api/login", "", CredentialsRequest{Username: "alice", Password: "wrong"})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", bad.StatusCode)
	}
	empty := ts.doJSON(t, http.MethodPost, "/api/signup", "", CredentialsRequest{Username: " ", Password: "x"})
	if empty.StatusCode != http.StatusBadRequest {
		t.Errorf("blank username status = %d, want 400", empty.StatusCode)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"valid token", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, "/api/conversations", tt.token, nil, "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestTokenForDeletedUserIsRejected(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")
	user, _ := ts.db.GetUserByUsername(context.Background(), "alice")
	if err := ts.db.DeleteUser(context.Background(), user.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	resp := ts.do(t, http.MethodGet, "/api/conversations", token, nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDocumentChatFlow(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")
	doc := "The sun is a star.\n\nThe moon orbits the earth."

	resp := ts.upload(t, "/api/documents", token, "space.txt", doc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	up := decode[core.UploadResult](t, resp)
	convID := up.Conversation.ID

	resp = ts.upload(t, "/api/conversations/"+convID+"/documents", token, "space.txt", doc)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("duplicate upload status = %d, want 200", resp.StatusCode)
	}
	if again := decode[core.UploadResult](t, resp); !again.Duplicate {
		t.Errorf("duplicate upload not reported")
	}

	resp = ts.do(t, http.MethodGet, "/api/conversations/"+convID+"/documents", token, nil, "")
	if docs := decode[[]store.Document](t, resp); len(docs) != 1 {
		t.Errorf("documents = %d, want 1", len(docs))
	}

	resp = ts.doJSON(t, http.MethodPost, "/api/conversations/"+convID+"/messages", token, AskRequest{Question: "What is the moon?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask status = %d", resp.StatusCode)
	}
	ask := decode[core.AskResult](t, resp)
	if ask.Text != "The moon is made of rock." || ask.Answer == nil {
		t.Fatalf("ask = %+v", ask)
	}

	helpful := true
	resp = ts.doJSON(t, http.MethodPost, "/api/messages/"+ask.Answer.ID+"/feedback", token, FeedbackRequest{Helpful: &helpful})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("feedback status = %d", resp.StatusCode)
	}
	resp = ts.doJSON(t, http.MethodPost, "/api/messages/"+ask.Answer.ID+"/feedback", token, map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("feedback without helpful status = %d, want 400", resp.StatusCode)
	}

	resp = ts.doJSON(t, http.MethodPatch, "/api/conversations/"+convID, token, TitleRequest{Title: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename status = %d, want 400", resp.StatusCode)
	}
	resp = ts.doJSON(t, http.MethodPatch, "/api/conversations/"+convID, token, TitleRequest{Title: "Space"})
	if conv := decode[store.Conversation](t, resp); conv.Title != "Space" {
		t.Errorf("renamed title = %q", conv.Title)
	}

	resp = ts.do(t, http.MethodGet, "/api/conversations/"+convID, token, nil, "")
	view := decode[core.ConversationView](t, resp)
	if view.State != core.StateIndexed || len(view.Messages) != 2 {
		t.Errorf("view = %+v", view)
	}

	resp = ts.do(t, http.MethodDelete, "/api/conversations/"+convID, token, nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/api/conversations/"+convID, token, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestDocumentResponsesHideBlobPaths(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")

	resp := ts.upload(t, "/api/documents", token, "space.txt", "The sun is a star.")
	body, _ := io.ReadAll(resp.Body)
	var up core.UploadResult
	if err := json.Unmarshal(body, &up); err != nil {
		t.Fatalf("decode upload error = %v", err)
	}

	resp = ts.do(t, http.MethodGet, "/api/conversations/"+up.Conversation.ID+"/documents", token, nil, "")
	listed, _ := io.ReadAll(resp.Body)

	for name, raw := range map[string][]byte{"upload": body, "list": listed} {
		if bytes.Contains(raw, []byte("file_path")) || bytes.Contains(raw, []byte("uploads")) {
			t.Errorf("%s response exposes the blob location: %s", name, raw)
		}
		if !bytes.Contains(raw, []byte("space.txt")) {
			t.Errorf("%s response missing file name: %s", name, raw)
		}
	}
}

func TestConversationsAreIsolatedPerUser(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	resp := ts.doJSON(t, http.MethodPost, "/api/conversations", alice, TitleRequest{Title: "Private"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	conv := decode[store.Conversation](t, resp)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/conversations/" + conv.ID},
		{http.MethodDelete, "/api/conversations/" + conv.ID},
		{http.MethodGet, "/api/conversations/" + conv.ID + "/documents"},
	} {
		if resp := ts.do(t, tc.method, tc.path, bob, nil, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s as other user status = %d, want 404", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestAskOnEmptyConversationReturnsSentinel(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")
	conv := decode[store.Conversation](t, ts.doJSON(t, http.MethodPost, "/api/conversations", token, nil))

	resp := ts.doJSON(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", token, AskRequest{Question: "Anything?"})
	ask := decode[core.AskResult](t, resp)
	if ask.Text != core.NoDocumentResponse || ask.Answer != nil {
		t.Errorf("ask = %+v, want sentinel", ask)
	}
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")

	tests := []struct {
		name    string
		file    string
		content string
		want    int
	}{
		{"unsupported", "image.png", "png", http.StatusBadRequest},
		{"over limit", "big.txt", strings.Repeat("a", 2<<10), http.StatusBadRequest},
		{"no text", "blank.txt", "   ", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.upload(t, "/api/documents", token, tt.file, tt.content)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp := ts.do(t, http.MethodPost, "/api/documents", token, strings.NewReader("nope"), "text/plain")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d, want 400", resp.StatusCode)
	}
}

func TestAskFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice")
	up := decode[core.UploadResult](t, ts.upload(t, "/api/documents", token, "space.txt", "The sun is hot."))

	ts.comp.err = errors.New("model unavailable")
	resp := ts.doJSON(t, http.MethodPost, "/api/conversations/"+up.Conversation.ID+"/messages", token, AskRequest{Question: "sun?"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "model unavailable") {
		t.Errorf("upstream detail leaked: %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.Validation, "x"), http.StatusBadRequest},
		{apperr.New(apperr.NotFound, "x"), http.StatusNotFound},
		{apperr.New(apperr.Conflict, "x"), http.StatusConflict},
		{apperr.New(apperr.Unauthorized, "x"), http.StatusUnauthorized},
		{apperr.New(apperr.IngestionFailed, "x"), http.StatusUnprocessableEntity},
		{apperr.New(apperr.AnswerGenerationFailed, "x"), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", apperr.New(apperr.NotFound, "x")), http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
