package optimistic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/ports"
)

// Queue is the part of the offline manager the mutator drives.
type Queue interface {
	Enqueue(ctx context.Context, intent domain.Intent) (domain.Mutation, error)
	IsOnline() bool
	Subscribe(fn func(domain.QueueEvent)) (unsubscribe func())
}

type DependentCacheSource interface {
	DependentCaches(collection string) []string
}

type MutatorOptions struct {
	// Bindings by collection. Collections without one use Default.
	Bindings     map[string]Binding
	Default      Binding
	Dependencies DependentCacheSource
	Logger       zerolog.Logger
}

// Result describes how a mutation was settled at issue time.
type Result struct {
	Operation domain.Operation
	Queued    bool
	Mutation  *domain.Mutation
	// Committed holds the backend response of an online write.
	Committed json.RawMessage
}

// Mutator issues mutation intents with an optimistic cache update. Online
// writes go straight to the backend; offline writes are queued and their
// cache snapshot is kept until the queue settles them.
type Mutator struct {
	cache    *Cache
	remote   ports.RemoteService
	queue    Queue
	bindings map[string]Binding
	fallback Binding
	deps     DependentCacheSource
	log      zerolog.Logger

	mu          sync.Mutex
	inFlight    map[string]Snapshot
	unsubscribe func()
}

func NewMutator(cache *Cache, remote ports.RemoteService, queue Queue, opts MutatorOptions) *Mutator {
	m := &Mutator{
		cache:    cache,
		remote:   remote,
		queue:    queue,
		bindings: opts.Bindings,
		fallback: opts.Default,
		deps:     opts.Dependencies,
		log:      opts.Logger.With().Str("component", "mutator").Logger(),
		inFlight: make(map[string]Snapshot),
	}
	if queue != nil {
		m.unsubscribe = queue.Subscribe(m.handle)
	}
	return m
}

func (m *Mutator) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m *Mutator) binding(collection string) Binding {
	if b, ok := m.bindings[collection]; ok {
		return b
	}
	return m.fallback
}

func (m *Mutator) Mutate(ctx context.Context, intent domain.Intent) (Result, error) {
	if err := domain.ValidateCollection(intent.Collection); err != nil {
		return Result{}, err
	}
	if intent.Operation == nil {
		return Result{}, fmt.Errorf("%w: missing operation", domain.ErrInvalidOperation)
	}
	if err := intent.Operation.Validate(); err != nil {
		return Result{}, err
	}
	b := m.binding(intent.Collection)
	intent.Operation = b.Prepare(intent.Operation)

	if m.queue != nil && !m.queue.IsOnline() {
		return m.mutateOffline(ctx, intent, b)
	}
	return m.mutateOnline(ctx, intent, b)
}

func (m *Mutator) mutateOnline(ctx context.Context, intent domain.Intent, b Binding) (Result, error) {
	snap, applied, err := m.applyOptimistic(intent, b)
	if err != nil {
		return Result{}, err
	}

	raw, err := m.remote.Execute(ctx, intent.Collection, intent.Operation)
	if err != nil {
		if applied {
			m.cache.Restore(snap)
		}
		return Result{}, err
	}
	m.invalidate(ctx, intent)
	return Result{Operation: intent.Operation, Committed: raw}, nil
}

func (m *Mutator) mutateOffline(ctx context.Context, intent domain.Intent, b Binding) (Result, error) {
	// Settlement events for this mutation block in handle until the snapshot
	// is registered.
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, applied, err := m.applyOptimistic(intent, b)
	if err != nil {
		return Result{}, err
	}
	mutation, err := m.queue.Enqueue(ctx, intent)
	if err != nil {
		if applied {
			m.cache.Restore(snap)
		}
		return Result{}, err
	}
	if applied {
		m.inFlight[mutation.ID] = snap
	}
	return Result{Operation: intent.Operation, Queued: true, Mutation: &mutation}, nil
}

func (m *Mutator) applyOptimistic(intent domain.Intent, b Binding) (Snapshot, bool, error) {
	if intent.CacheKey == "" {
		return Snapshot{}, false, nil
	}
	snap, err := m.cache.Apply(intent.CacheKey, func(rows []domain.Row) ([]domain.Row, error) {
		return b.Apply(rows, intent.Operation)
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("optimistic apply: %w", err)
	}
	return snap, true, nil
}

func (m *Mutator) invalidate(ctx context.Context, intent domain.Intent) {
	var keys []string
	if intent.CacheKey != "" {
		keys = append(keys, intent.CacheKey)
	}
	if m.deps != nil {
		keys = append(keys, m.deps.DependentCaches(intent.Collection)...)
	}
	if len(keys) > 0 {
		m.cache.Invalidate(ctx, keys...)
	}
}

func (m *Mutator) handle(ev domain.QueueEvent) {
	if ev.Mutation == nil {
		return
	}
	if ev.Kind != domain.EventCommitted && ev.Kind != domain.EventDeadLettered {
		return
	}

	m.mu.Lock()
	snap, ok := m.inFlight[ev.Mutation.ID]
	delete(m.inFlight, ev.Mutation.ID)
	m.mu.Unlock()
	if !ok || ev.Kind == domain.EventCommitted {
		return
	}

	m.cache.Restore(snap)
	m.log.Warn().Str("mutation_id", ev.Mutation.ID).Str("cache_key", snap.Key).Msg("optimistic write rolled back")
}

// InFlight reports how many queued mutations still hold a rollback snapshot.
func (m *Mutator) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
