package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/usecase"
)

// mutationRequest carries an operation in its queue wire form: "id", "ids",
// "data" and "rows" are read according to kind.
type mutationRequest struct {
	Kind       domain.OperationKind `json:"kind"`
	Payload    json.RawMessage      `json:"payload"`
	CacheKey   string               `json:"cache_key"`
	OnConflict string               `json:"on_conflict"`
}

type mutationResponse struct {
	Queued    bool             `json:"queued"`
	Kind      string           `json:"kind"`
	Mutation  *domain.Mutation `json:"mutation,omitempty"`
	Committed json.RawMessage  `json:"committed,omitempty"`
}

type cacheResponse struct {
	Key       string       `json:"key"`
	Rows      []domain.Row `json:"rows"`
	Stale     bool         `json:"stale"`
	UpdatedAt string       `json:"updated_at"`
}

type schemaResponse struct {
	Collection string          `json:"collection"`
	Schema     json.RawMessage `json:"schema"`
	UpdatedBy  string          `json:"updated_by,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var req mutationRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	op, err := usecase.DecodeOperation(req.Kind, req.Payload, req.OnConflict)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.mutator.Mutate(r.Context(), domain.Intent{
		Collection: collection,
		Operation:  op,
		CacheKey:   req.CacheKey,
		OwnerID:    ownerIDFromContext(r.Context()),
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	resp := mutationResponse{
		Queued:    result.Queued,
		Kind:      string(result.Operation.Kind()),
		Mutation:  result.Mutation,
		Committed: result.Committed,
	}
	if result.Queued {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": h.cache.Keys()})
}

func (h *Handler) getCache(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, ok := h.cache.Get(key)
	if !ok {
		handleDomainError(w, domain.ErrNotFound)
		return
	}
	rows := entry.Rows
	if rows == nil {
		rows = []domain.Row{}
	}
	writeJSON(w, http.StatusOK, cacheResponse{
		Key:       key,
		Rows:      rows,
		Stale:     entry.Stale,
		UpdatedAt: entry.UpdatedAt.UTC().Format(timeFormat),
	})
}

func (h *Handler) putSchema(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var schema json.RawMessage
	if !decodeBody(w, r, &schema, false) {
		return
	}
	cs, err := h.schemas.Upsert(r.Context(), collection, schema, ownerIDFromContext(r.Context()))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchemaResponse(cs))
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	cs, err := h.schemas.Get(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchemaResponse(cs))
}

func (h *Handler) deleteSchema(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.schemas.Delete(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h *Handler) listJournal(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be integer")
			return
		}
		after = parsed
	}

	entries, err := h.journal.List(r.Context(), domain.JournalFilter{
		MutationID: r.URL.Query().Get("mutation_id"),
		Action:     r.URL.Query().Get("action"),
		AfterID:    after,
		Limit:      limit,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(entries)})
}

func toSchemaResponse(cs domain.CollectionSchema) schemaResponse {
	resp := schemaResponse{Collection: cs.Collection, Schema: cs.Schema, UpdatedBy: cs.UpdatedBy}
	if !cs.CreatedAt.IsZero() {
		resp.CreatedAt = cs.CreatedAt.UTC().Format(timeFormat)
	}
	if !cs.UpdatedAt.IsZero() {
		resp.UpdatedAt = cs.UpdatedAt.UTC().Format(timeFormat)
	}
	return resp
}
