package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        full_name TEXT NOT NULL DEFAULT '',
        email TEXT NOT NULL DEFAULT '',
        student_id INTEGER,
        employee_id INTEGER,
        campus_id INTEGER,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS user_roles (
        user_id INTEGER NOT NULL,
        role TEXT NOT NULL,
        assigned_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (user_id, role),
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        campus_id INTEGER,
        title TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        last_message_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        sources_json TEXT,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE TABLE IF NOT EXISTS document_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT -- JSON string of []float32
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow(
		"SELECT id, external_user_id, password_hash, full_name, email, student_id, employee_id, campus_id, created_at FROM users WHERE external_user_id = ?",
		externalUserID,
	).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.FullName, &user.Email, &user.StudentID, &user.EmployeeID, &user.CampusID, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	roles, err := s.GetUserRoles(user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash, fullName, email string) (*User, error) {
	res, err := s.db.Exec(
		"INSERT INTO users (external_user_id, password_hash, full_name, email) VALUES (?, ?, ?, ?)",
		externalUserID, passwordHash, fullName, email,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow(
		"SELECT id, external_user_id, password_hash, full_name, email, student_id, employee_id, campus_id, created_at FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.FullName, &user.Email, &user.StudentID, &user.EmployeeID, &user.CampusID, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	roles, err := s.GetUserRoles(id)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

func (s *SQLiteStore) GetUserRoles(userID int64) ([]string, error) {
	rows, err := s.db.Query("SELECT role FROM user_roles WHERE user_id = ? ORDER BY assigned_at ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("failed to scan role row: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (s *SQLiteStore) AssignRole(userID int64, role string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)", userID, role)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(userID int64, campusID *int64) (*Conversation, error) {
	now := time.Now()
	res, err := s.db.Exec(
		"INSERT INTO conversations (user_id, campus_id, created_at, last_message_at) VALUES (?, ?, ?, ?)",
		userID, campusID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}
	return &Conversation{ID: id, UserID: userID, CampusID: campusID, CreatedAt: now, LastMessageAt: now}, nil
}

func (s *SQLiteStore) GetConversation(conversationID, userID int64) (*Conversation, error) {
	var conv Conversation
	var title sql.NullString
	err := s.db.QueryRow(
		"SELECT id, user_id, campus_id, title, created_at, last_message_at FROM conversations WHERE id = ? AND user_id = ?",
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.CampusID, &title, &conv.CreatedAt, &conv.LastMessageAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found or not owned
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if title.Valid {
		conv.Title = &title.String
	}
	return &conv, nil
}

func (s *SQLiteStore) GetConversationsByUserID(userID int64) ([]Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, campus_id, title, created_at, last_message_at FROM conversations WHERE user_id = ? ORDER BY last_message_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		var title sql.NullString
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.CampusID, &title, &conv.CreatedAt, &conv.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		if title.Valid {
			conv.Title = &title.String
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (s *SQLiteStore) UpdateConversationTitle(conversationID, userID int64, title string) error {
	res, err := s.db.Exec("UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?", title, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation not found or not owned by user, title not updated")
	}
	return nil
}

// DeleteConversation removes a conversation and its messages in one
// transaction, so a failure cannot strand orphaned messages. Returns false
// when the conversation does not exist or is not owned by the user.
func (s *SQLiteStore) DeleteConversation(conversationID, userID int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM conversations WHERE id = ? AND user_id = ?", conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return false, fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit conversation delete: %w", err)
	}
	return true, nil
}

// Message methods

func (s *SQLiteStore) AppendMessage(conversationID int64, role, content string, sources []string) (int64, error) {
	var sourcesJSON sql.NullString
	if len(sources) > 0 {
		b, err := json.Marshal(sources)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal message sources: %w", err)
		}
		sourcesJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now()
	res, err := s.db.Exec(
		"INSERT INTO messages (conversation_id, role, content, sources_json, timestamp) VALUES (?, ?, ?, ?, ?)",
		conversationID, role, content, sourcesJSON, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	if _, err := s.db.Exec("UPDATE conversations SET last_message_at = ? WHERE id = ?", now, conversationID); err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("failed to bump last_message_at")
	}
	return id, nil
}

func (s *SQLiteStore) GetMessages(conversationID int64, limit, offset int) ([]Message, error) {
	query := "SELECT id, conversation_id, role, content, sources_json, timestamp FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) GetLastNMessages(conversationID int64, n int) ([]Message, error) {
	query := `
        SELECT id, conversation_id, role, content, sources_json, timestamp
        FROM messages
        WHERE conversation_id = ?
        ORDER BY timestamp DESC, id DESC
        LIMIT ?
    `
	rows, err := s.db.Query(query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Newest-first from the query, flip back to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var msg Message
		var sourcesJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &sourcesJSON, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				log.Warn().Err(err).Int64("message_id", msg.ID).Msg("failed to unmarshal message sources")
				msg.Sources = nil
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// DocumentChunk methods (for retrieval)

func (s *SQLiteStore) CreateDocumentChunk(chunk *DocumentChunk) error {
	embeddingBytes, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO document_chunks (source, content, embedding_json) VALUES (?, ?, ?)",
		chunk.Source, chunk.Content, string(embeddingBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document chunk: %w", err)
	}
	chunk.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetAllDocumentChunks() ([]DocumentChunk, error) {
	rows, err := s.db.Query("SELECT id, source, content, embedding_json FROM document_chunks")
	if err != nil {
		return nil, fmt.Errorf("failed to query document chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DocumentChunk
	for rows.Next() {
		var chunk DocumentChunk
		var embeddingJSON string
		if err := rows.Scan(&chunk.ID, &chunk.Source, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan document chunk row: %w", err)
		}
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &chunk.Embedding); err != nil {
				log.Warn().Err(err).Int64("chunk_id", chunk.ID).Msg("failed to unmarshal chunk embedding, chunk will be skipped by retrieval")
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (s *SQLiteStore) DeleteDocumentChunksBySource(source string) error {
	_, err := s.db.Exec("DELETE FROM document_chunks WHERE source = ?", source)
	if err != nil {
		return fmt.Errorf("failed to delete document chunks for source %s: %w", source, err)
	}
	return nil
}
