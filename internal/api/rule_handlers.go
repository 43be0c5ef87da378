package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/registry"
)

// RuleHandlers serves exposure rule CRUD. Every mutation re-applies the
// owning server's rules so the live catalogue tracks the stored ones.
type RuleHandlers struct {
	repo        *database.Repository
	provisioner *Provisioner
}

// NewRuleHandlers creates the exposure rule handlers.
func NewRuleHandlers(repo *database.Repository, provisioner *Provisioner) *RuleHandlers {
	return &RuleHandlers{repo: repo, provisioner: provisioner}
}

// ListRules returns a server's rules in application order.
func (h *RuleHandlers) ListRules(w http.ResponseWriter, r *http.Request) {
	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}
	rules, err := h.repo.GetExposureRulesForServer(r.Context(), record.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list rules")
		writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	if rules == nil {
		rules = []*database.ExposureRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// GetRule returns one rule by ID.
func (h *RuleHandlers) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}
	rule, err := h.repo.GetExposureRuleByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		log.Error().Err(err).Msg("Failed to load rule")
		writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule adds a rule to a server and re-applies its exposure.
func (h *RuleHandlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req database.CreateExposureRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateRule(req.Name, req.Sources, req.Mode, req.StreamAggregate, req.StreamN); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	record := serverFromPath(w, r, h.repo)
	if record == nil {
		return
	}

	rule, err := h.repo.CreateExposureRule(r.Context(), record.ID, &req)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Rule name already in use")
			return
		}
		log.Error().Err(err).Msg("Failed to create rule")
		writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	h.respondReapplied(w, r, http.StatusCreated, record, rule)
}

// UpdateRule changes a rule and re-applies the owning server's exposure.
func (h *RuleHandlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	var req database.UpdateExposureRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateRuleUpdate(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rule, err := h.repo.UpdateExposureRule(r.Context(), id, &req)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		if errors.Is(err, database.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "Rule name already in use")
			return
		}
		log.Error().Err(err).Msg("Failed to update rule")
		writeError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	record, err := h.repo.GetServerByID(r.Context(), rule.ServerID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load server for rule")
		writeError(w, http.StatusInternalServerError, "Failed to load server")
		return
	}
	h.respondReapplied(w, r, http.StatusOK, record, rule)
}

// DeleteRule removes a rule and re-applies the owning server's exposure.
func (h *RuleHandlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}
	rule, err := h.repo.GetExposureRuleByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		log.Error().Err(err).Msg("Failed to load rule")
		writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}
	if err := h.repo.DeleteExposureRule(r.Context(), id); err != nil {
		log.Error().Err(err).Msg("Failed to delete rule")
		writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	if record, err := h.repo.GetServerByID(r.Context(), rule.ServerID); err == nil {
		if _, err := h.provisioner.Reapply(r.Context(), record); err != nil {
			log.Warn().Err(err).Str("server", record.Name).Msg("Failed to reapply rules")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RuleHandlers) respondReapplied(w http.ResponseWriter, r *http.Request, status int, record *database.ServerRecord, rule *database.ExposureRule) {
	names, err := h.provisioner.Reapply(r.Context(), record)
	if names == nil {
		names = []string{}
	}
	resp := map[string]interface{}{
		"rule":  rule,
		"tools": names,
	}
	if err != nil {
		log.Warn().Err(err).Str("server", record.Name).Msg("Failed to reapply rules")
		resp["sync_error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

func validateRule(name string, sources []string, mode, aggregate string, n int) string {
	if strings.TrimSpace(name) == "" {
		return "Rule name is required"
	}
	if msg := validateSources(sources); msg != "" {
		return msg
	}
	if msg := validateMode(mode); msg != "" {
		return msg
	}
	return validateAggregate(aggregate, n)
}

func validateRuleUpdate(req *database.UpdateExposureRuleRequest) string {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return "Rule name is required"
	}
	if req.Sources != nil {
		if msg := validateSources(*req.Sources); msg != "" {
			return msg
		}
	}
	if req.Mode != nil {
		if msg := validateMode(*req.Mode); msg != "" {
			return msg
		}
	}
	if req.StreamAggregate != nil {
		n := 1
		if req.StreamN != nil {
			n = *req.StreamN
		}
		return validateAggregate(*req.StreamAggregate, n)
	}
	return ""
}

func validateSources(sources []string) string {
	for _, s := range sources {
		switch registry.Source(s) {
		case registry.SourceResources, registry.SourceTools:
		default:
			return "Sources must be resources or tools"
		}
	}
	return ""
}

func validateMode(mode string) string {
	switch registry.Mode(mode) {
	case "", registry.ModeAuto, registry.ModeCall, registry.ModeStream:
		return ""
	default:
		return "Mode must be auto, call or stream"
	}
}

func validateAggregate(aggregate string, n int) string {
	switch registry.Aggregate(aggregate) {
	case "", registry.AggregateLast, registry.AggregateConcat:
		return ""
	case registry.AggregateFirstN:
		if n < 1 {
			return "stream_n must be at least 1 for first_n aggregation"
		}
		return ""
	default:
		return "Stream aggregate must be last, concat or first_n"
	}
}
