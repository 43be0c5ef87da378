package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/registry"
)

// ServerHandlers serves upstream server CRUD and lifecycle operations.
type ServerHandlers struct {
	repo        *database.Repository
	encryptor   *auth.TokenEncryptor
	reg         *registry.Registry
	provisioner *Provisioner
}

// NewServerHandlers creates the server management handlers.
func NewServerHandlers(repo *database.Repository, encryptor *auth.TokenEncryptor, reg *registry.Registry, provisioner *Provisioner) *ServerHandlers {
	return &ServerHandlers{
		repo:        repo,
		encryptor:   encryptor,
		reg:         reg,
		provisioner: provisioner,
	}
}

// serverStatus is a stored record annotated with its live registry state.
type serverStatus struct {
	*database.ServerRecord
	Registered bool `json:"registered"`
	Tools      int  `json:"tools"`
}

func (h *ServerHandlers) status(record *database.ServerRecord) serverStatus {
	st := serverStatus{ServerRecord: record}
	srv, ok := h.reg.Server(record.Name)
	if !ok {
		return st
	}
	st.Registered = true
	for _, t := range h.reg.Tools() {
		if t.Server == srv {
			st.Tools++
		}
	}
	return st
}

// serverFromPath loads the server addressed by the id path parameter. It
// writes the error response itself and returns nil when the lookup fails.
func serverFromPath(w http.ResponseWriter, r *http.Request, repo *database.Repository) *database.ServerRecord {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return nil
	}
	record, err := repo.GetServerByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Server not found")
		} else {
			log.Error().Err(err).Msg("Failed to load server")
			writeError(w, http.StatusInternalServerError, "Failed to load server")
		}
		return nil
	}
	return record
}

// ListServers returns all stored servers with their live state.
func (h *ServerHandlers) ListServers(w http.ResponseWriter, r *http.Request) {
	records, err := h.repo.GetAllServers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list servers")
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	out := make([]serverStatus, 0, len(records))
	for _, record := range records {
		out = append(out, h.status(record))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetServer returns one stored server with its live state.
func (h *ServerHandlers) GetServer(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	writeJSON(w, http.StatusOK, h.status(record))
}

// CreateServer stores a new upstream server and registers it.
func (h *ServerHandlers) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req database.CreateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateCreateServer(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var encryptedToken *string
	if req.AuthToken != "" {
		enc, err := h.encryptor.Encrypt(req.AuthToken)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encrypt auth token")
			writeError(w, http.StatusInternalServerError, "Failed to encrypt auth token")
			return
		}
		encryptedToken = &enc
		req.AuthToken = ""
	}

	record, err := h.repo.CreateServer(r.Context(), &req, encryptedToken)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Server name already in use")
			return
		}
		log.Error().Err(err).Msg("Failed to create server")
		writeError(w, http.StatusInternalServerError, "Failed to create server")
		return
	}

	log.Info().Str("server", record.Name).Str("transport", record.Transport).Msg("Server created")
	h.respondSynced(w, r, http.StatusCreated, record)
}

// UpdateServer updates a stored server and rebuilds its registration.
func (h *ServerHandlers) UpdateServer(w http.ResponseWriter, r *http.Request) {
	old := serverFromPath(w, r, h.repo)
	if old == nil {
		return
	}

	var req database.UpdateServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Server name cannot be empty")
		return
	}
	if req.Format != nil {
		switch *req.Format {
		case "", "auto", "jsonrpc", "rest":
		default:
			writeError(w, http.StatusBadRequest, "Format must be auto, jsonrpc or rest")
			return
		}
	}

	record, err := h.repo.UpdateServer(r.Context(), old.ID, &req)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Server name already in use")
			return
		}
		log.Error().Err(err).Msg("Failed to update server")
		writeError(w, http.StatusInternalServerError, "Failed to update server")
		return
	}

	// Drop the stale registration when the server was renamed.
	if old.Name != record.Name {
		_ = h.reg.RemoveServer(old.Name)
	}
	h.respondSynced(w, r, http.StatusOK, record)
}

// DeleteServer removes a stored server and its live registration.
func (h *ServerHandlers) DeleteServer(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	if err := h.repo.DeleteServer(r.Context(), record.ID); err != nil {
		log.Error().Err(err).Msg("Failed to delete server")
		writeError(w, http.StatusInternalServerError, "Failed to delete server")
		return
	}
	h.provisioner.Remove(r.Context(), record)
	log.Info().Str("server", record.Name).Msg("Server deleted")
	w.WriteHeader(http.StatusNoContent)
}

// EnableServer enables a server and its catalogue entries.
func (h *ServerHandlers) EnableServer(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableServer disables a server; its tools stay listed out of the
// catalogue and calls are refused until re-enabled.
func (h *ServerHandlers) DisableServer(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *ServerHandlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	if err := h.repo.SetServerEnabled(r.Context(), record.ID, enabled); err != nil {
		log.Error().Err(err).Msg("Failed to update server")
		writeError(w, http.StatusInternalServerError, "Failed to update server")
		return
	}
	record.Enabled = enabled
	if err := h.provisioner.SetEnabled(r.Context(), record, enabled); err != nil {
		log.Warn().Err(err).Str("server", record.Name).Msg("Failed to sync enablement")
	}
	writeJSON(w, http.StatusOK, h.status(record))
}

// SetAuthToken stores a new upstream credential and rebuilds the transport.
func (h *ServerHandlers) SetAuthToken(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}

	var req database.SetAuthTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "Token is required")
		return
	}

	enc, err := h.encryptor.Encrypt(req.Token)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt auth token")
		writeError(w, http.StatusInternalServerError, "Failed to encrypt auth token")
		return
	}
	if err := h.repo.SetServerAuthToken(r.Context(), record.ID, enc); err != nil {
		log.Error().Err(err).Msg("Failed to store auth token")
		writeError(w, http.StatusInternalServerError, "Failed to store auth token")
		return
	}

	record.EncryptedAuthToken = &enc
	h.respondSynced(w, r, http.StatusOK, record)
}

// ClearAuthToken removes the upstream credential and rebuilds the transport.
func (h *ServerHandlers) ClearAuthToken(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	if err := h.repo.ClearServerAuthToken(r.Context(), record.ID); err != nil {
		log.Error().Err(err).Msg("Failed to clear auth token")
		writeError(w, http.StatusInternalServerError, "Failed to clear auth token")
		return
	}
	record.EncryptedAuthToken = nil
	h.respondSynced(w, r, http.StatusOK, record)
}

// TestServer pings the upstream through its registered transport.
func (h *ServerHandlers) TestServer(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	srv, ok := h.reg.Server(record.Name)
	if !ok {
		writeError(w, http.StatusConflict, "Server is not registered")
		return
	}

	start := time.Now()
	err := srv.TestConnection(r.Context())
	resp := map[string]interface{}{
		"ok":         err == nil,
		"latency_ms": time.Since(start).Seconds() * 1000,
	}
	if err != nil {
		resp["error"] = err.Error()
	} else {
		if info, infoErr := srv.ServerInfo(r.Context()); infoErr == nil && info != nil {
			resp["server_info"] = info
		}
		if caps := srv.Capabilities(); caps != nil {
			resp["capabilities"] = caps
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DiscoverServer forces a fresh capability discovery against the upstream.
func (h *ServerHandlers) DiscoverServer(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	names, err := h.provisioner.Discover(r.Context(), record)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": names})
}

// RestartServer recreates the kubernetes instances behind a server.
func (h *ServerHandlers) RestartServer(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	if record.Runtime != runtimeKubernetes {
		writeError(w, http.StatusBadRequest, "Server does not use the kubernetes runtime")
		return
	}

	deleted, err := h.provisioner.RecreateInstances(r.Context(), record)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if _, err := h.provisioner.Sync(r.Context(), record); err != nil {
		log.Warn().Err(err).Str("server", record.Name).Msg("Failed to resync after restart")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// respondSynced syncs the live registry entry for a record and writes the
// response. Sync failures are reported inline; the stored record stands.
func (h *ServerHandlers) respondSynced(w http.ResponseWriter, r *http.Request, status int, record *database.ServerRecord) {
	names, err := h.provisioner.Sync(r.Context(), record)
	if names == nil {
		names = []string{}
	}
	resp := map[string]interface{}{
		"server": h.status(record),
		"tools":  names,
	}
	if err != nil {
		log.Warn().Err(err).Str("server", record.Name).Msg("Server sync failed")
		resp["sync_error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

func validateCreateServer(req *database.CreateServerRequest) string {
	if strings.TrimSpace(req.Name) == "" {
		return "Server name is required"
	}
	switch req.Runtime {
	case "", "local":
	case runtimeKubernetes:
		if req.Image == "" {
			return "Image is required for kubernetes runtime"
		}
	default:
		return "Runtime must be local or kubernetes"
	}
	switch req.Transport {
	case "", registry.TransportHTTP, registry.TransportSTDIO:
	default:
		return "Transport must be http or stdio"
	}
	if req.Runtime != runtimeKubernetes {
		stdio := req.Transport == registry.TransportSTDIO || (req.Transport == "" && req.Command != "")
		if stdio {
			if req.Command == "" {
				return "Command is required for stdio transport"
			}
		} else if req.URL == "" {
			return "URL is required for http transport"
		}
	}
	switch req.Format {
	case "", "auto", "jsonrpc", "rest":
	default:
		return "Format must be auto, jsonrpc or rest"
	}
	return ""
}
