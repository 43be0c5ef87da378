package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/database"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvHandlers serves per-server environment variables. Values are encrypted
// at rest and never returned by the API.
type EnvHandlers struct {
	repo        *database.Repository
	encryptor   *auth.TokenEncryptor
	provisioner *Provisioner
}

// NewEnvHandlers creates the env variable handlers.
func NewEnvHandlers(repo *database.Repository, encryptor *auth.TokenEncryptor, provisioner *Provisioner) *EnvHandlers {
	return &EnvHandlers{
		repo:        repo,
		encryptor:   encryptor,
		provisioner: provisioner,
	}
}

// ListEnv returns the env variable keys and descriptions for a server.
func (h *EnvHandlers) ListEnv(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	vars, err := h.repo.GetServerEnv(r.Context(), record.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list env variables")
		writeError(w, http.StatusInternalServerError, "Failed to list env variables")
		return
	}
	if vars == nil {
		vars = []*database.ServerEnvVar{}
	}
	writeJSON(w, http.StatusOK, vars)
}

// SetEnv creates or replaces one env variable and rebuilds the server.
func (h *EnvHandlers) SetEnv(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}

	var req database.SetEnvVarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateEnvVar(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	enc, err := h.encryptor.Encrypt(req.Value)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt env value")
		writeError(w, http.StatusInternalServerError, "Failed to encrypt value")
		return
	}
	if err := h.repo.SetServerEnv(r.Context(), record.ID, req.Key, enc, req.Description); err != nil {
		log.Error().Err(err).Msg("Failed to store env variable")
		writeError(w, http.StatusInternalServerError, "Failed to store env variable")
		return
	}

	resp := map[string]interface{}{"key": req.Key}
	if err := h.resync(r, record); err != nil {
		resp["sync_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// BulkSetEnv creates or replaces several env variables in one call.
func (h *EnvHandlers) BulkSetEnv(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}

	var req struct {
		Vars []database.SetEnvVarRequest `json:"vars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Vars) == 0 {
		writeError(w, http.StatusBadRequest, "At least one variable is required")
		return
	}
	for i := range req.Vars {
		if msg := validateEnvVar(&req.Vars[i]); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	for _, v := range req.Vars {
		enc, err := h.encryptor.Encrypt(v.Value)
		if err != nil {
			log.Error().Err(err).Str("key", v.Key).Msg("Failed to encrypt env value")
			writeError(w, http.StatusInternalServerError, "Failed to encrypt value")
			return
		}
		if err := h.repo.SetServerEnv(r.Context(), record.ID, v.Key, enc, v.Description); err != nil {
			log.Error().Err(err).Str("key", v.Key).Msg("Failed to store env variable")
			writeError(w, http.StatusInternalServerError, "Failed to store env variable")
			return
		}
	}

	resp := map[string]interface{}{"count": len(req.Vars)}
	if err := h.resync(r, record); err != nil {
		resp["sync_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteEnv removes one env variable and rebuilds the server.
func (h *EnvHandlers) DeleteEnv(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.repo.DeleteServerEnv(r.Context(), record.ID, key); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Environment variable not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete env variable")
		writeError(w, http.StatusInternalServerError, "Failed to delete env variable")
		return
	}
	if err := h.resync(r, record); err != nil {
		log.Warn().Err(err).Str("server", record.Name).Msg("Failed to resync after env change")
	}
	w.WriteHeader(http.StatusNoContent)
}

// resync rebuilds the live server so new env takes effect. Kubernetes
// instances are recreated first since env reaches them at pod start.
func (h *EnvHandlers) resync(r *http.Request, record *database.ServerRecord) error {
	if _, err := h.provisioner.RecreateInstances(r.Context(), record); err != nil {
		log.Warn().Err(err).Str("server", record.Name).Msg("Failed to restart instances")
	}
	_, err := h.provisioner.Sync(r.Context(), record)
	return err
}

func validateEnvVar(req *database.SetEnvVarRequest) string {
	if !envKeyPattern.MatchString(req.Key) {
		return fmt.Sprintf("Invalid environment variable name %q", req.Key)
	}
	if req.Value == "" {
		return "Value is required"
	}
	return ""
}
