package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/remote"
	"github.com/atvirokodosprendimai/offlinesync/internal/config"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/optimistic"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/usecase"
)

const (
	testAPIKey = "test-api-key"
	testOwner  = "user-1"
)

type stubQueueStore struct {
	mu    sync.Mutex
	lists map[string][]domain.MutationRecord
}

func (s *stubQueueStore) Get(_ context.Context, key string) ([]domain.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lists[key]), nil
}

func (s *stubQueueStore) Set(_ context.Context, key string, records []domain.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lists == nil {
		s.lists = make(map[string][]domain.MutationRecord)
	}
	s.lists[key] = slices.Clone(records)
	return nil
}

type stubRemote struct {
	mu    sync.Mutex
	calls []domain.Operation
	err   error
}

func (s *stubRemote) Execute(_ context.Context, _ string, op domain.Operation) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *stubRemote) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubAPIKeyRepo struct{}

func (s *stubAPIKeyRepo) FindByTokenHash(_ context.Context, hash string) (domain.APIKey, error) {
	if hash != usecase.HashToken(testAPIKey) {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return domain.APIKey{TokenHash: hash, OwnerID: testOwner, Name: "test-client", Active: true, CreatedAt: time.Now().UTC()}, nil
}
func (s *stubAPIKeyRepo) Upsert(context.Context, domain.APIKey) error { return nil }
func (s *stubAPIKeyRepo) MarkUsed(context.Context, string, time.Time) error { return nil }

type stubSchemaRepo struct {
	mu      sync.Mutex
	schemas map[string]domain.CollectionSchema
}

func (r *stubSchemaRepo) Upsert(_ context.Context, schema domain.CollectionSchema) (domain.CollectionSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas == nil {
		r.schemas = make(map[string]domain.CollectionSchema)
	}
	now := time.Now().UTC()
	schema.CreatedAt, schema.UpdatedAt = now, now
	r.schemas[schema.Collection] = schema
	return schema, nil
}

func (r *stubSchemaRepo) Get(_ context.Context, collection string) (domain.CollectionSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[collection]
	if !ok {
		return domain.CollectionSchema{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *stubSchemaRepo) Delete(_ context.Context, collection string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[collection]; !ok {
		return false, nil
	}
	delete(r.schemas, collection)
	return true, nil
}

type stubJournalRepo struct {
	entries []domain.JournalEntry
	filter  domain.JournalFilter
}

func (r *stubJournalRepo) Append(_ context.Context, entry domain.JournalEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubJournalRepo) List(_ context.Context, filter domain.JournalFilter) ([]domain.JournalEntry, error) {
	r.filter = filter
	return r.entries, nil
}

type fixture struct {
	router  http.Handler
	manager *usecase.OfflineManager
	remote  *stubRemote
	cache   *optimistic.Cache
	journal *stubJournalRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	policy := config.DefaultPolicy()
	rem := &stubRemote{}
	cache := optimistic.NewCache(nil, logger)
	schemas := usecase.NewSchemaService(&stubSchemaRepo{})
	journalRepo := &stubJournalRepo{}

	manager := usecase.NewOfflineManager(usecase.OfflineManagerDeps{
		Store:     &stubQueueStore{},
		Remote:    rem,
		Cache:     cache,
		Policy:    policy,
		Validator: schemas,
		Logger:    logger,
	}, usecase.OfflineManagerOptions{RetryDelay: time.Hour})
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("init manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	mutator := optimistic.NewMutator(cache, rem, manager, optimistic.MutatorOptions{
		Dependencies: policy,
		Logger:       logger,
	})
	t.Cleanup(mutator.Close)

	h := NewHandler(Deps{
		Queue:   manager,
		Mutator: mutator,
		Cache:   cache,
		Schemas: schemas,
		Journal: usecase.NewJournalService(journalRepo, logger),
		Auth:    usecase.NewAuthService(&stubAPIKeyRepo{}),
		Logger:  logger,
	})
	return &fixture{router: h.Router(), manager: manager, remote: rem, cache: cache, journal: journalRepo}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

const insertCement = `{"kind":"insert","cache_key":"materials:p1","payload":{"data":{"name":"Cement","unit":"bag","project_id":"p1"}}}`

func TestProtectedRouteWithoutAuth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRouteAcceptsBearerToken(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWhoamiReportsCallingKey(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/whoami", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["owner_id"] != testOwner || resp["name"] != "test-client" || resp["last_used_at"] == nil {
		t.Fatalf("unexpected whoami response %v", resp)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMutationWhileOfflineIsQueuedAndAppliedToCache(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/collections/materials/mutations", insertCement)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if resp["queued"] != true {
		t.Fatalf("expected queued=true, got %v", resp)
	}
	mutation, _ := resp["mutation"].(map[string]any)
	if mutation["owner_id"] != testOwner || mutation["collection"] != "materials" {
		t.Fatalf("unexpected mutation %v", mutation)
	}
	if f.remote.callCount() != 0 {
		t.Fatal("offline mutation must not reach the remote")
	}
	if f.manager.QueueSize() != 1 {
		t.Fatalf("expected one pending mutation, got %d", f.manager.QueueSize())
	}

	cacheRec := f.do(t, http.MethodGet, "/v1/cache/materials:p1", "")
	if cacheRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", cacheRec.Code)
	}
	var entry cacheResponse
	if err := json.Unmarshal(cacheRec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode cache entry: %v", err)
	}
	if len(entry.Rows) != 1 || entry.Rows[0]["name"] != "Cement" || entry.Rows[0]["id"] == nil {
		t.Fatalf("optimistic row missing from cache: %v", entry.Rows)
	}

	keys := decode(t, f.do(t, http.MethodGet, "/v1/cache", ""))
	if list, _ := keys["keys"].([]any); len(list) != 1 || list[0] != "materials:p1" {
		t.Fatalf("expected the optimistic cache key listed, got %v", keys)
	}

	pending := decode(t, f.do(t, http.MethodGet, "/v1/queue/pending", ""))
	items, _ := pending["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one pending item, got %v", pending)
	}
}

func TestMutationWhileOnlineGoesToRemote(t *testing.T) {
	f := newFixture(t)
	f.manager.SetOnlineStatus(true)

	rec := f.do(t, http.MethodPost, "/v1/collections/materials/mutations",
		`{"kind":"update","payload":{"id":"m1","data":{"unit_price":5}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if resp["queued"] != false {
		t.Fatalf("expected queued=false, got %v", resp)
	}
	if f.remote.callCount() != 1 {
		t.Fatalf("expected one remote call, got %d", f.remote.callCount())
	}
}

func TestMutationRemoteRejectionReturnsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.manager.SetOnlineStatus(true)
	f.remote.err = &remote.Error{StatusCode: http.StatusConflict, Message: "duplicate key"}

	rec := f.do(t, http.MethodPost, "/v1/collections/materials/mutations", insertCement)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp["remote_error"] != "duplicate key" {
		t.Fatalf("unexpected body %v", resp)
	}
	if _, ok := f.cache.Get("materials:p1"); ok {
		t.Fatal("failed online write must roll the cache back")
	}
}

func TestMutationRequestValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		path   string
		body   string
		status int
	}{
		"unknown field":     {"/v1/collections/materials/mutations", `{"kind":"insert","payload":{"data":{"a":1}},"extra":1}`, http.StatusBadRequest},
		"trailing json":     {"/v1/collections/materials/mutations", insertCement + ` {}`, http.StatusBadRequest},
		"unknown kind":      {"/v1/collections/materials/mutations", `{"kind":"truncate"}`, http.StatusBadRequest},
		"update without id": {"/v1/collections/materials/mutations", `{"kind":"update","payload":{"data":{"a":1}}}`, http.StatusBadRequest},
		"bad collection":    {"/v1/collections/materials;drop/mutations", insertCement, http.StatusBadRequest},
		"owner mismatch":    {"/v1/collections/materials/mutations", `{"kind":"insert","payload":{"data":{"name":"x","user_id":"user-2"}}}`, http.StatusForbidden},
		"online only":       {"/v1/collections/project_share/mutations", `{"kind":"insert","payload":{"data":{"project_id":"p1"}}}`, http.StatusConflict},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
	if f.manager.QueueSize() != 0 {
		t.Fatalf("rejected mutations must not be queued, got %d", f.manager.QueueSize())
	}
}

func TestSchemaLifecycleAndViolation(t *testing.T) {
	f := newFixture(t)
	schema := `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`

	put := f.do(t, http.MethodPut, "/v1/schemas/materials", schema)
	if put.Code != http.StatusOK {
		t.Fatalf("put schema expected 200, got %d: %s", put.Code, put.Body.String())
	}
	if resp := decode(t, put); resp["collection"] != "materials" || resp["updated_by"] != testOwner {
		t.Fatalf("unexpected schema response %v", resp)
	}
	if get := f.do(t, http.MethodGet, "/v1/schemas/materials", ""); get.Code != http.StatusOK {
		t.Fatalf("get schema expected 200, got %d", get.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/collections/materials/mutations", `{"kind":"insert","payload":{"data":{"unit":"bag"}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["error"] != "schema validation failed" {
		t.Fatalf("unexpected error %v", resp["error"])
	}
	if _, ok := resp["errors"]; !ok {
		t.Fatal("expected 'errors' field in response")
	}

	del := f.do(t, http.MethodDelete, "/v1/schemas/materials", "")
	if del.Code != http.StatusOK || decode(t, del)["deleted"] != true {
		t.Fatalf("unexpected delete response %d: %s", del.Code, del.Body.String())
	}
	if missing := f.do(t, http.MethodGet, "/v1/schemas/materials", ""); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestPutSchemaRejectsInvalidDocument(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPut, "/v1/schemas/materials", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/v1/schemas/materials", `{"type":123}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid schema, got %d", rec.Code)
	}
}

func TestSyncNowStatusCodes(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPost, "/v1/queue:sync", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while offline, got %d", rec.Code)
	}

	f.manager.SetOnlineStatus(true)
	rec := f.do(t, http.MethodPost, "/v1/queue:sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp["status"] != "nothing_to_sync" {
		t.Fatalf("unexpected status %v", resp)
	}
}

func TestConnectivityAndQueueStatus(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPut, "/v1/connectivity", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without online flag, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPut, "/v1/connectivity", `{"online":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !f.manager.IsOnline() {
		t.Fatal("expected manager to be online")
	}

	var status queueStatusResponse
	if err := json.Unmarshal(f.do(t, http.MethodGet, "/v1/queue", "").Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Online || status.QueueSize != 0 || status.DeadLetterSize != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestPurgeEmptyDeadLetter(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodDelete, "/v1/queue/dead-letter", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp["purged"] != float64(0) {
		t.Fatalf("unexpected body %v", resp)
	}
}

func TestJournalListPassesFilter(t *testing.T) {
	f := newFixture(t)
	f.journal.entries = []domain.JournalEntry{{ID: 7, MutationID: "mut-1", Action: usecase.JournalCommitted, At: time.Now().UTC()}}

	if rec := f.do(t, http.MethodGet, "/v1/journal?after=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/journal?mutation_id=mut-1&after=9&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.journal.filter.MutationID != "mut-1" || f.journal.filter.AfterID != 9 || f.journal.filter.Limit != 5 {
		t.Fatalf("unexpected filter %+v", f.journal.filter)
	}
	items, _ := decode(t, rec)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one entry, got %v", items)
	}
}

const versionPair = `"current":{"materials":[{"id":"m1","name":"Cement","unit":"bag","quantity":10,"unit_price":5}]},
"version":{"materials":[{"id":"v1","name":"Cement","unit":"bag","quantity":12,"unit_price":5},{"id":"v2","name":"Sand","unit":"m3","quantity":2,"unit_price":30}]}`

func TestCompareVersions(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/versions:compare", "{"+versionPair+"}")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var diff map[string]struct {
		OnlyInVersion  []map[string]any `json:"only_in_version"`
		ModifiedInBoth []map[string]any `json:"modified_in_both"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &diff); err != nil {
		t.Fatalf("decode diff: %v", err)
	}
	if len(diff["materials"].ModifiedInBoth) != 1 || len(diff["materials"].OnlyInVersion) != 1 {
		t.Fatalf("unexpected materials diff %+v", diff["materials"])
	}
}

func TestResolveVersionsAppliesChoices(t *testing.T) {
	f := newFixture(t)
	body := "{" + versionPair + `,"choices":[{"category":"materials","action":"update","item":{"id":"v1","name":"Cement","unit":"bag","quantity":12,"unit_price":5}}]}`
	rec := f.do(t, http.MethodPost, "/v1/versions:resolve", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result struct {
			Materials []map[string]any `json:"materials"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := resp.Result.Materials
	if len(got) != 2 {
		t.Fatalf("expected updated cement plus staged sand, got %v", got)
	}
	if got[0]["id"] != "m1" || got[0]["quantity"] != float64(12) {
		t.Fatalf("update must keep the current id and take version values, got %v", got[0])
	}
	if got[1]["id"] != "v2" {
		t.Fatalf("expected staged addition last, got %v", got[1])
	}
}

func TestResolveVersionsRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	body := "{" + versionPair + `,"choices":[{"category":"materials","action":"merge","item":{"id":"v1","name":"Cement","unit":"bag"}}]}`
	if rec := f.do(t, http.MethodPost, "/v1/versions:resolve", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEventStreamForwardsQueueEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("X-API-Key", testAPIKey)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/queue/events", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	f.manager.SetOnlineStatus(true)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev domain.QueueEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != domain.EventOnlineChanged || !ev.Online {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/queue/events", nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestHandleDomainErrorUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	handleDomainError(rec, errors.New("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestWriteJSONEncodeErrorHandled(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": func() {}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	paths, _ := decode(t, rec)["paths"].(map[string]any)
	if _, ok := paths["/v1/queue:sync"]; !ok {
		t.Fatal("expected queue sync path in openapi document")
	}
}
