// Package handlers implements the HTTP handlers for the askgate gateway:
// the streaming chat endpoint, the tenant-scoped governance admin surface
// (tools, follow-up rules, query catalog), and operational endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/api/middleware"
	"github.com/bindevz/askgate/internal/catalog"
	"github.com/bindevz/askgate/internal/orchestrator"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Catalog      *catalog.Service
	Circuits     *resilience.Registry
	Version      string
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, orch *orchestrator.Orchestrator, cat *catalog.Service, circuits *resilience.Registry, version string) *Handlers {
	return &Handlers{
		Store:        s,
		Orchestrator: orch,
		Catalog:      cat,
		Circuits:     circuits,
		Version:      version,
	}
}

// ── Health & Info ────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":    "askgate",
		"version": h.Version,
	})
}

// ── Tool Definition Handlers ─────────────────────────────────

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	tools, err := h.Store.ListTools(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tools == nil {
		tools = []models.ToolDefinition{}
	}
	respondJSON(w, http.StatusOK, tools)
}

func (h *Handlers) CreateTool(w http.ResponseWriter, r *http.Request) {
	var req models.ToolDefinition
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Call == "" || req.Module == "" {
		respondError(w, http.StatusBadRequest, "name, call and module are required")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	if existing, _ := h.Store.GetTool(r.Context(), tenant, req.Name); existing != nil {
		respondError(w, http.StatusConflict, "tool already exists: "+req.Name)
		return
	}

	if err := h.Store.CreateTool(r.Context(), tenant, &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tool", req.Name).Str("module", req.Module).Str("tenant", tenant).Msg("tool registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	tool, err := h.Store.GetTool(r.Context(), tenant, chi.URLParam(r, "toolName"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tool)
}

func (h *Handlers) UpdateTool(w http.ResponseWriter, r *http.Request) {
	var req models.ToolDefinition
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	req.Name = chi.URLParam(r, "toolName")

	if err := h.Store.UpdateTool(r.Context(), tenant, &req); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("tool", req.Name).Str("tenant", tenant).Msg("tool updated")
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteTool(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	name := chi.URLParam(r, "toolName")

	if err := h.Store.DeleteTool(r.Context(), tenant, name); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("tool", name).Str("tenant", tenant).Msg("tool deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ── Follow-Up Rule Handlers ──────────────────────────────────

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	rules, err := h.Store.ListRules(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rules == nil {
		rules = []models.FollowUpRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req models.FollowUpRule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RuleKey == "" || req.FollowUpTool == "" {
		respondError(w, http.StatusBadRequest, "rule_key and follow_up_tool are required")
		return
	}
	if req.Kind == "" {
		req.Kind = models.RuleKindPath
	}

	tenant := middleware.GetTenantID(r.Context())
	if existing, _ := h.Store.GetRule(r.Context(), tenant, req.RuleKey); existing != nil {
		respondError(w, http.StatusConflict, "rule already exists: "+req.RuleKey)
		return
	}

	if err := h.Store.CreateRule(r.Context(), tenant, &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("rule", req.RuleKey).Str("tenant", tenant).Msg("follow-up rule created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	rule, err := h.Store.GetRule(r.Context(), tenant, chi.URLParam(r, "ruleKey"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req models.FollowUpRule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	req.RuleKey = chi.URLParam(r, "ruleKey")

	if err := h.Store.UpdateRule(r.Context(), tenant, &req); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("rule", req.RuleKey).Str("tenant", tenant).Msg("follow-up rule updated")
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	key := chi.URLParam(r, "ruleKey")

	if err := h.Store.DeleteRule(r.Context(), tenant, key); err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("rule", key).Str("tenant", tenant).Msg("follow-up rule deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ── Response Helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if _, ok := err.(*store.ErrNotFound); ok {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
