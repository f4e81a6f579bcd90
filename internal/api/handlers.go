package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/auth"
	"gwi.com/doc-chat/internal/core"
)

// multipartOverhead is the slack allowed above the file limit for form
// boundaries and headers.
const multipartOverhead = 1 << 20

type contextKey string

const userIDKey contextKey = "userID"

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

type APIHandler struct {
	chatService    *core.ChatService
	credentials    *auth.Credentials
	maxUploadBytes int64
}

func NewAPIHandler(cs *core.ChatService, creds *auth.Credentials, maxUploadBytes int64) *APIHandler {
	return &APIHandler{chatService: cs, credentials: creds, maxUploadBytes: maxUploadBytes}
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.IngestionFailed:
		return http.StatusUnprocessableEntity
	case apperr.AnswerGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the status of its kind. Internal and upstream
// failures are logged and reported without detail.
func writeError(w http.ResponseWriter, err error, action string) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		log.Printf("Error trying to %s: %v", action, err)
		http.Error(w, "Failed to "+action, status)
	case http.StatusBadGateway:
		log.Printf("Upstream error trying to %s: %v", action, err)
		http.Error(w, "Failed to generate an answer, please try again", status)
	default:
		http.Error(w, err.Error(), status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, err, "invalid request body")
	}
	return nil
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, "Authorization header must be a bearer token", http.StatusUnauthorized)
			return
		}

		userID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUser(r.Context(), userID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %d: %v", userID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "create user")
		return
	}

	user, err := h.credentials.Create(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err, "create user")
		return
	}
	log.Printf("Registered user %q (id %d)", user.Username, user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "log in")
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.credentials.Verify(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err, "log in")
		return
	}
	if user == nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.ID)
	if err != nil {
		log.Printf("Error generating JWT for user %d: %v", user.ID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type TitleRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req TitleRequest
	if r.Body != http.NoBody && r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err, "create conversation")
			return
		}
	}

	conv, err := h.chatService.CreateConversation(r.Context(), userIDFrom(r.Context()), req.Title)
	if err != nil {
		writeError(w, err, "create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.ListConversations(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err, "list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.chatService.SwitchConversation(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, err, "load conversation")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *APIHandler) RenameConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req TitleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "rename conversation")
		return
	}

	conv, err := h.chatService.RenameConversation(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "conversationID"), req.Title)
	if err != nil {
		writeError(w, err, "rename conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteConversation(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "conversationID")); err != nil {
		writeError(w, err, "delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadDocumentHandler accepts a multipart form with a "file" field. Without
// a conversationID in the path a new conversation is started.
func (h *APIHandler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "A multipart \"file\" field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read uploaded file", http.StatusBadRequest)
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	res, err := h.chatService.UploadDocument(r.Context(), userIDFrom(r.Context()), conversationID, header.Filename, data)
	if err != nil {
		writeError(w, err, "upload document")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.chatService.ListDocuments(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, err, "list documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

type AskRequest struct {
	Question string `json:"question"`
}

func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "answer question")
		return
	}

	res, err := h.chatService.Ask(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "conversationID"), req.Question)
	if err != nil {
		writeError(w, err, "answer question")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type FeedbackRequest struct {
	Helpful *bool   `json:"helpful"`
	Comment *string `json:"comment,omitempty"`
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "record feedback")
		return
	}
	if req.Helpful == nil {
		http.Error(w, "\"helpful\" is required", http.StatusBadRequest)
		return
	}

	fb, err := h.chatService.SubmitFeedback(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "messageID"), *req.Helpful, req.Comment)
	if err != nil {
		writeError(w, err, "record feedback")
		return
	}
	writeJSON(w, http.StatusOK, fb)
}
