package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/registry"
)

// SessionCounter reports the number of live downstream MCP sessions.
// Implemented by the gateway session manager.
type SessionCounter interface {
	Count() int
}

// Handlers serves authentication, user management, token management, call
// logs, stats and the REST tool surface.
type Handlers struct {
	repo       *database.Repository
	jwtManager *auth.JWTManager
	reg        *registry.Registry
	sessions   SessionCounter
}

// NewHandlers creates the core API handlers. sessions may be nil.
func NewHandlers(repo *database.Repository, jwtManager *auth.JWTManager, reg *registry.Registry, sessions SessionCounter) *Handlers {
	return &Handlers{
		repo:       repo,
		jwtManager: jwtManager,
		reg:        reg,
		sessions:   sessions,
	}
}

// Register creates a new user account. The first account ever created
// becomes the admin.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req database.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "Valid email is required")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	role := "user"
	count, err := h.repo.CountUsers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to count users")
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	if count == 0 {
		role = "admin"
	}

	user, err := h.repo.CreateUser(r.Context(), req.Email, string(hash), role)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Email already registered")
			return
		}
		log.Error().Err(err).Msg("Failed to create user")
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	token, err := h.issueToken(r.Context(), user, "Default")
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	log.Info().Str("email", user.Email).Str("role", user.Role).Msg("User registered")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

// Login authenticates a user and issues a fresh API token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req database.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.repo.GetUserByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.issueToken(r.Context(), user, "Login")
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (h *Handlers) issueToken(ctx context.Context, user *database.User, name string) (string, error) {
	tokenString, jti, err := h.jwtManager.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		return "", err
	}
	if _, err := h.repo.CreateAPIToken(ctx, user.ID, jti, name); err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetCurrentUser returns the authenticated user.
func (h *Handlers) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	user, err := h.repo.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListAPITokens returns the caller's tokens, revoked ones included.
func (h *Handlers) ListAPITokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	tokens, err := h.repo.GetAPITokensByUserID(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tokens")
		writeError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}
	if tokens == nil {
		tokens = []*database.APIToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// CreateAPIToken issues a new named API token for the caller.
func (h *Handlers) CreateAPIToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req database.CreateAPITokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = "API Token"
	}

	user, err := h.repo.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	token, err := h.issueToken(r.Context(), user, req.Name)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token": token,
		"name":  req.Name,
	})
}

// RevokeAPIToken revokes one of the caller's tokens.
func (h *Handlers) RevokeAPIToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid token ID")
		return
	}
	if err := h.repo.RevokeAPIToken(r.Context(), id, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Token not found")
			return
		}
		log.Error().Err(err).Msg("Failed to revoke token")
		writeError(w, http.StatusInternalServerError, "Failed to revoke token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUsers returns all user accounts. Admin only.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.GetAllUsers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list users")
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	if users == nil {
		users = []*database.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// UpdateUserRole changes a user's role. Admin only.
func (h *Handlers) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Role != "admin" && req.Role != "user" {
		writeError(w, http.StatusBadRequest, "Role must be admin or user")
		return
	}

	if err := h.repo.UpdateUserRole(r.Context(), id, req.Role); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Error().Err(err).Msg("Failed to update user role")
		writeError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}

	user, err := h.repo.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser removes a user account. Admin only; self-deletion is refused.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	if self, ok := auth.GetUserID(r.Context()); ok && self == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}
	if err := h.repo.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete user")
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCallLogs returns recent tool call audit rows. Non-admin callers only
// see their own activity.
func (h *Handlers) ListCallLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.CallLogFilter{
		Server: q.Get("server"),
		Tool:   q.Get("tool"),
		Status: q.Get("status"),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	role, _ := auth.GetUserRole(r.Context())
	if role == "admin" {
		if v := q.Get("user_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid user ID")
				return
			}
			filter.UserID = &id
		}
	} else {
		userID, ok := auth.GetUserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		filter.UserID = &userID
	}

	logs, err := h.repo.GetCallLogs(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list call logs")
		writeError(w, http.StatusInternalServerError, "Failed to list call logs")
		return
	}
	if logs == nil {
		logs = []*database.CallLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetStats returns registry statistics and the live session count.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"registry": h.reg.Stats(),
	}
	if h.sessions != nil {
		stats["active_sessions"] = h.sessions.Count()
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListTools returns the enabled tool catalogue.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.ToolDefinitions())
}

// ExecuteTool runs a catalogue tool outside of an MCP session.
func (h *Handlers) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Arguments map[string]interface{} `json:"arguments"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.reg.ExecuteTool(r.Context(), name, req.Arguments)
	if err != nil {
		status := toolErrorStatus(err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tool":   name,
		"result": result,
	})
}

func toolErrorStatus(err error) int {
	var notFound *mcp.NotFoundError
	var validation *mcp.ValidationError
	var disabled *mcp.DisabledError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &disabled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
