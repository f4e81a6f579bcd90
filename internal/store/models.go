package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultConversationTitle = "Untitled chat"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type Feedback struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	IsHelpful bool      `json:"is_helpful"`
	Comment   *string   `json:"comment"` // Nullable
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Document struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	FilePath       string    `json:"-"` // content-addressed blob path, server-side only
	UploadedAt     time.Time `json:"uploaded_at"`
}
