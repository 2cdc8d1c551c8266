package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/remote"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/optimistic"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/usecase"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/versiondiff"
)

type ctxKey string

const (
	timeFormat             = "2006-01-02T15:04:05.999999999Z07:00"
	ownerIDCtxKey   ctxKey = "owner_id"
	apiActorCtxKey  ctxKey = "api_actor"
	apiKeyCtxKey    ctxKey = "api_key"
	maxJSONBodySize        = 1 << 20
)

type Deps struct {
	Queue   *usecase.OfflineManager
	Mutator *optimistic.Mutator
	Cache   *optimistic.Cache
	Schemas *usecase.SchemaService
	Journal *usecase.JournalService
	Auth    *usecase.AuthService
	Diff    *versiondiff.Engine
	Logger  zerolog.Logger
}

type Handler struct {
	queue   *usecase.OfflineManager
	mutator *optimistic.Mutator
	cache   *optimistic.Cache
	schemas *usecase.SchemaService
	journal *usecase.JournalService
	auth    *usecase.AuthService
	diff    *versiondiff.Engine
	log     zerolog.Logger
}

func NewHandler(deps Deps) *Handler {
	diff := deps.Diff
	if diff == nil {
		diff = versiondiff.NewEngine(nil)
	}
	return &Handler{
		queue:   deps.Queue,
		mutator: deps.Mutator,
		cache:   deps.Cache,
		schemas: deps.Schemas,
		journal: deps.Journal,
		auth:    deps.Auth,
		diff:    diff,
		log:     deps.Logger.With().Str("component", "httpapi").Logger(),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)
		pr.Get("/v1/whoami", h.whoami)
		pr.Get("/v1/queue", h.queueStatus)
		pr.Get("/v1/queue/pending", h.listPending)
		pr.Get("/v1/queue/dead-letter", h.listDeadLetter)
		pr.Delete("/v1/queue/dead-letter", h.purgeDeadLetter)
		pr.Post("/v1/queue:sync", h.syncNow)
		pr.Get("/v1/queue/events", h.streamEvents)
		pr.Put("/v1/connectivity", h.setConnectivity)

		pr.Post("/v1/collections/{collection}/mutations", h.mutate)
		pr.Get("/v1/cache", h.listCache)
		pr.Get("/v1/cache/{key}", h.getCache)

		pr.Put("/v1/schemas/{collection}", h.putSchema)
		pr.Get("/v1/schemas/{collection}", h.getSchema)
		pr.Delete("/v1/schemas/{collection}", h.deleteSchema)

		pr.Get("/v1/journal", h.listJournal)

		pr.Post("/v1/versions:compare", h.compareVersions)
		pr.Post("/v1/versions:resolve", h.resolveVersions)
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openapiSpec())
}

type whoamiResponse struct {
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at,omitempty"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

func (h *Handler) whoami(w http.ResponseWriter, r *http.Request) {
	key, _ := r.Context().Value(apiKeyCtxKey).(domain.APIKey)
	resp := whoamiResponse{OwnerID: key.OwnerID, Name: key.Name}
	if !key.CreatedAt.IsZero() {
		resp.CreatedAt = key.CreatedAt.UTC().Format(timeFormat)
	}
	if !key.LastUsedAt.IsZero() {
		resp.LastUsedAt = key.LastUsedAt.UTC().Format(timeFormat)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		apiKey, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, usecase.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			h.log.Error().Err(err).Msg("authenticate request")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDCtxKey, apiKey.OwnerID)
		ctx = context.WithValue(ctx, apiActorCtxKey, apiKey.Name)
		ctx = context.WithValue(ctx, apiKeyCtxKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decodeBody reads exactly one JSON value from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, strict bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("encode json response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func handleDomainError(w http.ResponseWriter, err error) {
	var violation *domain.ErrSchemaViolation
	if errors.As(err, &violation) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "schema validation failed",
			"errors": violation.Errors,
		})
		return
	}
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":         "remote rejected mutation",
			"remote_status": remoteErr.StatusCode,
			"remote_error":  remoteErr.Message,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidCollection),
		errors.Is(err, domain.ErrInvalidOperation),
		errors.Is(err, domain.ErrInvalidCacheKey),
		errors.Is(err, domain.ErrMissingOwner),
		errors.Is(err, domain.ErrInvalidSchema),
		errors.Is(err, versiondiff.ErrUnknownCategory),
		errors.Is(err, versiondiff.ErrItemType),
		errors.Is(err, versiondiff.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrOwnerMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrOperationNotQueueable),
		errors.Is(err, domain.ErrOffline),
		errors.Is(err, domain.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg("unhandled request error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func ownerIDFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerIDCtxKey).(string)
	return owner
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(apiActorCtxKey).(string)
	if actor == "" {
		return "api"
	}
	return actor
}

func openapiSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "offlinesync",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/v1/whoami": map[string]any{
				"get": map[string]any{"summary": "Owner and usage of the calling API key"},
			},
			"/v1/queue": map[string]any{
				"get": map[string]any{"summary": "Queue status"},
			},
			"/v1/queue/pending": map[string]any{
				"get": map[string]any{"summary": "List pending mutations"},
			},
			"/v1/queue/dead-letter": map[string]any{
				"get":    map[string]any{"summary": "List dead-lettered mutations"},
				"delete": map[string]any{"summary": "Purge the dead-letter queue"},
			},
			"/v1/queue:sync": map[string]any{
				"post": map[string]any{"summary": "Drain the pending queue now"},
			},
			"/v1/queue/events": map[string]any{
				"get": map[string]any{"summary": "Queue event stream (websocket)"},
			},
			"/v1/connectivity": map[string]any{
				"put": map[string]any{"summary": "Set connectivity"},
			},
			"/v1/collections/{collection}/mutations": map[string]any{
				"post": map[string]any{"summary": "Issue a mutation"},
			},
			"/v1/cache": map[string]any{
				"get": map[string]any{"summary": "List cached query keys"},
			},
			"/v1/cache/{key}": map[string]any{
				"get": map[string]any{"summary": "Read a cached query"},
			},
			"/v1/schemas/{collection}": map[string]any{
				"put":    map[string]any{"summary": "Set collection schema"},
				"get":    map[string]any{"summary": "Get collection schema"},
				"delete": map[string]any{"summary": "Delete collection schema"},
			},
			"/v1/journal": map[string]any{
				"get": map[string]any{"summary": "Mutation lifecycle journal"},
			},
			"/v1/versions:compare": map[string]any{
				"post": map[string]any{"summary": "Compare an estimate with a saved version"},
			},
			"/v1/versions:resolve": map[string]any{
				"post": map[string]any{"summary": "Apply per-item resolutions to an estimate"},
			},
		},
	}
}
