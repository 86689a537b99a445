package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"opencampus.dev/assistant/internal/auth"
	"opencampus.dev/assistant/internal/hub"
	"opencampus.dev/assistant/internal/store"
)

type APIHandler struct {
	userStore *store.SQLiteStore
	chatHub   *hub.Hub
}

func NewAPIHandler(userStore *store.SQLiteStore, chatHub *hub.Hub) *APIHandler {
	return &APIHandler{userStore: userStore, chatHub: chatHub}
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to hash password")
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.userStore.CreateUser(req.UserID, hashedPassword, req.FullName, req.Email)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to create user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.userStore.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to look up user")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to generate JWT")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// WebSocketHandler authenticates the upgrade request and hands the
// connection to the hub. Browsers cannot set headers on websocket requests,
// so a token query parameter is accepted alongside the Authorization header.
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		http.Error(w, "Authorization is required", http.StatusUnauthorized)
		return
	}

	externalUserID, err := auth.ValidateJWT(tokenString)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	h.chatHub.ServeConnection(w, r, externalUserID)
}
