package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/events"
	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/remote"
	sqliteadapter "github.com/atvirokodosprendimai/offlinesync/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/offlinesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/offlinesync/internal/config"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/optimistic"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/usecase"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/versiondiff"
	"github.com/atvirokodosprendimai/offlinesync/internal/logging"
	"github.com/atvirokodosprendimai/offlinesync/migrations"
)

type Config struct {
	Addr          string
	DBPath        string
	RemoteURL     string
	RemoteToken   string
	RemoteTimeout time.Duration
	PolicyPath    string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	RetryDelay    time.Duration
	WebhookURL    string
	WebhookSecret string
	LogLevel      string
	LogFormat     string
	LogOutput     io.Writer

	BootstrapAPIKey  string
	BootstrapOwnerID string
	BootstrapKeyName string
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Runtime is the wired engine without the HTTP surface. CLI commands use it
// directly; NewServer puts the operator API in front of it.
type Runtime struct {
	Logger  zerolog.Logger
	Policy  config.Policy
	Manager *usecase.OfflineManager
	Mutator *optimistic.Mutator
	Cache   *optimistic.Cache
	Schemas *usecase.SchemaService
	Journal *usecase.JournalService
	Auth    *usecase.AuthService
	Monitor *usecase.ConnectivityMonitor
	Diff    *versiondiff.Engine
	Remote  *remote.Client
	closer  resourceCloser
}

// NewRuntime opens the database, runs migrations, loads the persisted queues
// and wires every service. The connectivity monitor is built but not started.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	out := cfg.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: out})
	if err != nil {
		return nil, err
	}

	policy, err := config.Load(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	db, err := gormsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, err
	}

	queueStore := sqliteadapter.NewQueueStore(db)
	apiKeyRepo := sqliteadapter.NewAPIKeyRepository(db)
	schemaRepo := sqliteadapter.NewSchemaRepository(db)
	journalRepo := sqliteadapter.NewJournalRepository(db)

	client := remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, cfg.RemoteTimeout)
	cache := optimistic.NewCache(client, logger)
	schemas := usecase.NewSchemaService(schemaRepo)
	authService := usecase.NewAuthService(apiKeyRepo)

	manager := usecase.NewOfflineManager(usecase.OfflineManagerDeps{
		Store:     queueStore,
		Remote:    client,
		Cache:     cache,
		Policy:    policy,
		Validator: schemas,
		Logger:    logger,
	}, usecase.OfflineManagerOptions{RetryDelay: cfg.RetryDelay})

	journal := usecase.NewJournalService(journalRepo, logger)
	journal.Start()
	logNotifier := events.NewLogNotifier(logger)

	subscriptions := []func(){
		manager.Subscribe(journal.Record),
		manager.Subscribe(logNotifier.Notify),
	}

	var webhook *events.WebhookNotifier
	if cfg.WebhookURL != "" {
		webhook = events.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, 0, events.DefaultWebhookKinds, logger)
		webhook.Start()
		subscriptions = append(subscriptions, manager.Subscribe(webhook.Notify))
	}

	cleanup := func() {
		journal.Close()
		if webhook != nil {
			webhook.Close()
		}
		_ = db.Close()
	}

	mutator := optimistic.NewMutator(cache, client, manager, optimistic.MutatorOptions{
		Dependencies: policy,
		Logger:       logger,
	})

	monitor := usecase.NewConnectivityMonitor(client, manager, logger, usecase.ConnectivityOptions{
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.ProbeTimeout,
	})

	if cfg.BootstrapAPIKey != "" {
		owner := cfg.BootstrapOwnerID
		if owner == "" {
			owner = "default"
		}
		name := cfg.BootstrapKeyName
		if name == "" {
			name = "bootstrap"
		}

		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 5*time.Second)
		err := authService.Bootstrap(bootstrapCtx, cfg.BootstrapAPIKey, owner, name)
		bootstrapCancel()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("bootstrap api key: %w", err)
		}
	}

	initCtx, initCancel := context.WithTimeout(ctx, 5*time.Second)
	defer initCancel()
	if err := manager.Init(initCtx); err != nil {
		cleanup()
		return nil, fmt.Errorf("init offline queue: %w", err)
	}

	// Shutdown order: stop producing events, then drain the consumers, then
	// close the database they write to.
	closers := []io.Closer{
		closerFunc(func() error { monitor.Stop(); return nil }),
		closerFunc(func() error { mutator.Close(); return nil }),
		manager,
		closerFunc(func() error {
			for _, unsubscribe := range subscriptions {
				unsubscribe()
			}
			journal.Close()
			if webhook != nil {
				webhook.Close()
			}
			return nil
		}),
		db,
	}

	return &Runtime{
		Logger:  logger,
		Policy:  policy,
		Manager: manager,
		Mutator: mutator,
		Cache:   cache,
		Schemas: schemas,
		Journal: journal,
		Auth:    authService,
		Monitor: monitor,
		Diff:    versiondiff.NewEngine(nil),
		Remote:  client,
		closer:  resourceCloser{closers: closers},
	}, nil
}

func (r *Runtime) Close() error {
	return r.closer.Close()
}

// NewServer builds the runtime, starts the connectivity monitor and returns
// the operator API server.
func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	rt.Monitor.Start(context.Background())

	handler := httpapi.NewHandler(httpapi.Deps{
		Queue:   rt.Manager,
		Mutator: rt.Mutator,
		Cache:   rt.Cache,
		Schemas: rt.Schemas,
		Journal: rt.Journal,
		Auth:    rt.Auth,
		Diff:    rt.Diff,
		Logger:  rt.Logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, rt, nil
}
