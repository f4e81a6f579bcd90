package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/conversations", apiHandler.CreateConversationHandler)
			r.Get("/conversations", apiHandler.ListConversationsHandler)
			r.Route("/conversations/{conversationID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetConversationHandler)
				r.Patch("/", apiHandler.RenameConversationHandler)
				r.Delete("/", apiHandler.DeleteConversationHandler)
				r.Post("/documents", apiHandler.UploadDocumentHandler)
				r.Get("/documents", apiHandler.ListDocumentsHandler)
				r.Post("/messages", apiHandler.AskHandler)
			})

			// Uploading without a conversation starts one.
			r.Post("/documents", apiHandler.UploadDocumentHandler)

			r.Post("/messages/{messageID}/feedback", apiHandler.MessageFeedbackHandler)
		})
	})

	return r
}
