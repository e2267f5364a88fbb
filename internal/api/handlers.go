package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumenwell/anchor/internal/store"
	"github.com/lumenwell/anchor/internal/types"
	"github.com/lumenwell/anchor/internal/validation"
)

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	apiKey  string
	version string
}

// NewHandler creates a new Handler with store.Store interface
func NewHandler(s store.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		RecordCount: stats.RecordCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CreateRecord handles POST /api/v1/owners/{ownerID}/{collection}
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	collection := chi.URLParam(r, "collection")

	var req types.NewRecord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateRequired("owner_id", ownerID))
	c.Add(validation.ValidateNoNullBytes("owner_id", ownerID))
	c.Add(validation.ValidateMaxLength("owner_id", ownerID, 128))
	c.Add(validation.ValidateDate("date", req.Date))
	if len(req.Payload) == 0 {
		c.Add(&validation.ValidationError{Field: "payload", Message: "is required"})
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	rec, err := h.store.CreateRecord(r.Context(), ownerID, collection, req)
	if err != nil {
		slog.Error("create record failed",
			"error", err,
			"owner_id", ownerID,
			"collection", collection,
		)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

// QueryRecords handles GET /api/v1/owners/{ownerID}/{collection}
func (h *Handler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	collection := chi.URLParam(r, "collection")

	q := types.RecordQuery{
		Since: r.URL.Query().Get("since"),
		Until: r.URL.Query().Get("until"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	var c validation.Collector
	c.Add(validation.ValidateDate("since", q.Since))
	c.Add(validation.ValidateDate("until", q.Until))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	result, err := h.store.QueryRecords(r.Context(), ownerID, collection, q)
	if err != nil {
		slog.Error("query records failed",
			"error", err,
			"owner_id", ownerID,
			"collection", collection,
		)
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetRecord handles GET /api/v1/owners/{ownerID}/{collection}/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetRecord(r.Context(), ownerID, collection, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// UpdateRecord handles PUT /api/v1/owners/{ownerID}/{collection}/{id}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	var req types.UpdateRecord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateDate("date", req.Date))
	if len(req.Payload) == 0 {
		c.Add(&validation.ValidationError{Field: "payload", Message: "is required"})
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	rec, err := h.store.UpdateRecord(r.Context(), ownerID, collection, id, req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// DeleteRecord handles DELETE /api/v1/owners/{ownerID}/{collection}/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteRecord(r.Context(), ownerID, collection, id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
