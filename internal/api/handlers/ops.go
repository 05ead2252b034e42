package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/api/middleware"
	"github.com/bindevz/askgate/internal/metrics"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/pkg/models"
)

// ── Query Catalog Handlers ───────────────────────────────────

func (h *Handlers) ListDatasets(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	datasets, err := h.Store.ListDatasets(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if datasets == nil {
		datasets = []models.Dataset{}
	}
	respondJSON(w, http.StatusOK, datasets)
}

func (h *Handlers) ListFields(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	fields, err := h.Store.ListFields(r.Context(), tenant, chi.URLParam(r, "datasetKey"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if fields == nil {
		fields = []models.DatasetField{}
	}
	respondJSON(w, http.StatusOK, fields)
}

func (h *Handlers) ListEntityGraphs(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	graphs, err := h.Store.ListEntityGraphs(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if graphs == nil {
		graphs = []models.EntityGraph{}
	}
	respondJSON(w, http.StatusOK, graphs)
}

func (h *Handlers) UpsertDataset(w http.ResponseWriter, r *http.Request) {
	var req models.Dataset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	req.Tenant = tenant
	if err := h.Store.UpsertDataset(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Catalog.Invalidate(tenant)

	log.Info().Str("dataset", req.Key).Str("tenant", tenant).Msg("dataset upserted")
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) UpsertField(w http.ResponseWriter, r *http.Request) {
	var req models.DatasetField
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Dataset == "" || req.Key == "" {
		respondError(w, http.StatusBadRequest, "dataset and key are required")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	req.Tenant = tenant
	if err := h.Store.UpsertField(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Catalog.Invalidate(tenant)

	log.Info().Str("dataset", req.Dataset).Str("field", req.Key).Str("tenant", tenant).Msg("field upserted")
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) UpsertEntityGraph(w http.ResponseWriter, r *http.Request) {
	var req models.EntityGraph
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Key == "" || req.FromDataset == "" || req.ToDataset == "" || req.JoinKey == "" {
		respondError(w, http.StatusBadRequest, "key, from_dataset, to_dataset and join_key are required")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	req.Tenant = tenant
	if err := h.Store.UpsertEntityGraph(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Catalog.Invalidate(tenant)

	log.Info().Str("graph", req.Key).Str("tenant", tenant).Msg("entity graph upserted")
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) InvalidateCatalog(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	h.Catalog.Invalidate(tenant)
	log.Info().Str("tenant", tenant).Msg("catalog cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CatalogStats(w http.ResponseWriter, r *http.Request) {
	hits, misses, tenants := h.Catalog.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"cache_hits":   hits,
		"cache_misses": misses,
		"tenants":      tenants,
	})
}

// ── Circuit Breaker Handlers ─────────────────────────────────

// ListCircuits reports every registered breaker. It also refreshes the
// breaker-state gauge so scrapes reflect the current state.
func (h *Handlers) ListCircuits(w http.ResponseWriter, r *http.Request) {
	stats := h.Circuits.All()
	for _, s := range stats {
		metrics.BreakerState.WithLabelValues(s.Name).Set(breakerStateValue(s.State))
	}
	if stats == nil {
		stats = []resilience.Stats{}
	}
	respondJSON(w, http.StatusOK, stats)
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
