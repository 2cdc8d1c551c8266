package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

func testConfig(t *testing.T, dbPath string) Config {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)
	return Config{
		Addr:             "127.0.0.1:0",
		DBPath:           dbPath,
		RemoteURL:        backend.URL,
		LogOutput:        io.Discard,
		BootstrapAPIKey:  "operator-key",
		BootstrapOwnerID: "user-1",
	}
}

func TestNewServerServesAuthenticatedQueueStatus(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "offlinesync.sqlite"))
	server, closer, err := NewServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = closer.Close() })

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "operator-key")
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bootstrap key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRuntimeQueueSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "offlinesync.sqlite")
	cfg := testConfig(t, dbPath)

	rt, err := NewRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	res, err := rt.Mutator.Mutate(context.Background(), domain.Intent{
		Collection: "materials",
		Operation:  domain.Insert{Row: domain.Row{"name": "Cement", "unit": "bag"}},
		CacheKey:   "materials:p1",
		OwnerID:    "user-1",
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !res.Queued {
		t.Fatal("runtime starts offline, mutation should be queued")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen runtime: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	pending := reopened.Manager.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one persisted mutation, got %d", len(pending))
	}
	if pending[0].ID != res.Mutation.ID || pending[0].Kind != domain.KindInsert {
		t.Fatalf("unexpected persisted mutation %+v", pending[0])
	}
}

func TestNewRuntimeRejectsBadLogLevel(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "offlinesync.sqlite"))
	cfg.LogLevel = "loud"
	if _, err := NewRuntime(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
