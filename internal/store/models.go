package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	FullName       string    `json:"full_name"`
	Email          string    `json:"email"`
	StudentID      *int64    `json:"student_id,omitempty"`
	EmployeeID     *int64    `json:"employee_id,omitempty"`
	CampusID       *int64    `json:"campus_id,omitempty"`
	Roles          []string  `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	CampusID      *int64    `json:"campus_id,omitempty"`
	Title         *string   `json:"title"` // Nullable until generated
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	Sources        []string  `json:"sources,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type DocumentChunk struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"` // Internal, stored as JSON string in the DB
}
