package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/ports"
)

const defaultRetryDelay = 5 * time.Second

// QueuePolicy answers the per-collection questions the manager asks at
// enqueue and settle time.
type QueuePolicy interface {
	SensitiveFieldSource
	DependentCaches(collection string) []string
	AllowsOffline(collection string, kind domain.OperationKind) bool
}

type OfflineManagerDeps struct {
	Store     ports.QueueStore
	Remote    ports.RemoteService
	Cache     ports.CacheInvalidator
	Policy    QueuePolicy
	Validator ports.PayloadValidator
	Logger    zerolog.Logger
}

type OfflineManagerOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Now        func() time.Time
	NewID      func() string
}

// OfflineManager owns the pending and dead-letter queues. It is the only
// writer of the queue store.
type OfflineManager struct {
	store     ports.QueueStore
	remote    ports.RemoteService
	cache     ports.CacheInvalidator
	policy    QueuePolicy
	validator ports.PayloadValidator
	codec     *PayloadCodec
	log       zerolog.Logger

	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	newID      func() string

	mu          sync.Mutex
	pending     []domain.Mutation
	dead        []domain.Mutation
	online      bool
	initialized bool
	retryTimer  *time.Timer

	// persistMu orders store writes so an older copy never lands after a
	// newer one.
	persistMu sync.Mutex

	syncing atomic.Bool

	subMu   sync.Mutex
	subs    map[int]func(domain.QueueEvent)
	nextSub int

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOfflineManager(deps OfflineManagerDeps, opts OfflineManagerOptions) *OfflineManager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = domain.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &OfflineManager{
		store:      deps.Store,
		remote:     deps.Remote,
		cache:      deps.Cache,
		policy:     deps.Policy,
		validator:  deps.Validator,
		codec:      NewPayloadCodec(deps.Policy),
		log:        deps.Logger.With().Str("component", "offline_manager").Logger(),
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		newID:      opts.NewID,
		subs:       make(map[int]func(domain.QueueEvent)),
		kick:       make(chan struct{}, 1),
	}
}

// Init loads the persisted queues, merges anything enqueued before Init and
// starts the drain loop. It must be called once.
func (m *OfflineManager) Init(ctx context.Context) error {
	pending, err := m.store.Get(ctx, domain.PendingQueueKey)
	if err != nil {
		return fmt.Errorf("load pending queue: %w", err)
	}
	dead, err := m.store.Get(ctx, domain.DeadLetterQueueKey)
	if err != nil {
		return fmt.Errorf("load dead-letter queue: %w", err)
	}

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	early := m.pending
	m.pending = append(domain.Mutations(pending), early...)
	m.dead = domain.Mutations(dead)
	m.initialized = true
	pendingCount, deadCount := len(m.pending), len(m.dead)
	m.mu.Unlock()

	if len(early) > 0 {
		if err := m.persist(ctx); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go m.loop(loopCtx)

	m.log.Info().Int("pending", pendingCount).Int("dead_letter", deadCount).Msg("offline queue initialized")
	m.notify(domain.EventQueueChanged, nil)
	if m.IsOnline() {
		m.kickDrain()
	}
	return nil
}

// Close stops the drain loop and any scheduled follow-up drain.
func (m *OfflineManager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *OfflineManager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			if _, err := m.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error().Err(err).Msg("drain failed")
			}
		}
	}
}

func (m *OfflineManager) kickDrain() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SetOnlineStatus records connectivity. Going online with pending work and
// no drain in progress starts a drain.
func (m *OfflineManager) SetOnlineStatus(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	hasWork := len(m.pending) > 0
	m.mu.Unlock()

	m.log.Info().Bool("online", online).Msg("connectivity changed")
	m.notify(domain.EventOnlineChanged, nil)
	if online && hasWork && !m.syncing.Load() {
		m.kickDrain()
	}
}

func (m *OfflineManager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Enqueue validates, masks and encodes an intent and appends it to the
// pending queue. Precondition failures are returned and nothing is queued.
func (m *OfflineManager) Enqueue(ctx context.Context, intent domain.Intent) (domain.Mutation, error) {
	if err := m.checkIntent(ctx, intent); err != nil {
		return domain.Mutation{}, err
	}

	payload, err := m.codec.Encode(intent.Collection, intent.Operation)
	if err != nil {
		return domain.Mutation{}, fmt.Errorf("encode payload: %w", err)
	}
	mutation := domain.Mutation{
		ID:         m.newID(),
		Collection: intent.Collection,
		Kind:       intent.Operation.Kind(),
		Payload:    payload,
		CacheKey:   intent.CacheKey,
		OwnerID:    intent.OwnerID,
		CreatedAt:  m.now(),
	}
	if up, ok := intent.Operation.(domain.Upsert); ok {
		mutation.OnConflict = up.OnConflict
	}

	m.mu.Lock()
	m.pending = append(m.pending, mutation)
	initialized := m.initialized
	m.mu.Unlock()

	if initialized {
		if err := m.persist(ctx); err != nil {
			m.removePending(mutation.ID)
			return domain.Mutation{}, err
		}
	}

	m.log.Debug().Str("mutation_id", mutation.ID).Str("collection", mutation.Collection).Str("kind", string(mutation.Kind)).Msg("mutation queued")
	m.notify(domain.EventQueueChanged, &mutation)
	if m.IsOnline() {
		m.kickDrain()
	}
	return mutation, nil
}

func (m *OfflineManager) checkIntent(ctx context.Context, intent domain.Intent) error {
	if intent.OwnerID == "" {
		return domain.ErrMissingOwner
	}
	if err := domain.ValidateCollection(intent.Collection); err != nil {
		return err
	}
	if intent.Operation == nil {
		return fmt.Errorf("%w: missing operation", domain.ErrInvalidOperation)
	}
	if err := intent.Operation.Validate(); err != nil {
		return err
	}
	kind := intent.Operation.Kind()
	if m.policy != nil && !m.policy.AllowsOffline(intent.Collection, kind) {
		return fmt.Errorf("%w: %s on %s", domain.ErrOperationNotQueueable, kind, intent.Collection)
	}
	if err := checkOwnership(intent.Operation, intent.OwnerID); err != nil {
		return err
	}
	if m.validator != nil {
		for _, row := range domain.RowsOf(intent.Operation) {
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshal row: %w", err)
			}
			if err := m.validator.Validate(ctx, intent.Collection, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkOwnership rejects payloads that write a user_id other than the owner.
func checkOwnership(op domain.Operation, ownerID string) error {
	var rows []domain.Row
	switch o := op.(type) {
	case domain.Insert:
		rows = []domain.Row{o.Row}
	case domain.Update:
		rows = []domain.Row{o.Fields}
	case domain.BulkUpdate:
		rows = []domain.Row{o.Fields}
	case domain.Upsert:
		rows = o.Rows
	case domain.RemoteCall:
		rows = []domain.Row{o.Args}
	}
	for _, row := range rows {
		if v, ok := row["user_id"]; ok && v != ownerID {
			return domain.ErrOwnerMismatch
		}
	}
	return nil
}

// Drain attempts every currently pending mutation once, in queue order. It
// returns immediately when offline, uninitialized, idle or already draining.
func (m *OfflineManager) Drain(ctx context.Context) (domain.DrainResult, error) {
	m.mu.Lock()
	ready := m.initialized && m.online && len(m.pending) > 0
	m.mu.Unlock()
	if !ready {
		return domain.DrainResult{}, nil
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return domain.DrainResult{}, nil
	}

	m.mu.Lock()
	snapshot := slices.Clone(m.pending)
	m.mu.Unlock()

	m.notify(domain.EventSyncStarted, nil)
	result, err := m.drainSnapshot(ctx, snapshot)

	if perr := m.persist(ctx); perr != nil && err == nil {
		err = perr
	}
	m.syncing.Store(false)

	m.mu.Lock()
	result.Remaining = len(m.pending)
	again := result.Remaining > 0 && m.online && m.cancel != nil
	m.mu.Unlock()

	m.log.Info().
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("dead_lettered", result.DeadLettered).
		Int("remaining", result.Remaining).
		Msg("drain finished")
	m.notifyDrain(result)

	if again {
		m.scheduleRetry()
	}
	return result, err
}

func (m *OfflineManager) drainSnapshot(ctx context.Context, snapshot []domain.Mutation) (domain.DrainResult, error) {
	var result domain.DrainResult
	for _, mutation := range snapshot {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !m.IsOnline() {
			m.log.Info().Msg("connectivity lost, stopping drain")
			return result, nil
		}
		result.Attempted++

		op, err := m.codec.Decode(mutation.Kind, mutation.OnConflict, mutation.Payload)
		if err != nil {
			mutation.Retries = m.maxRetries
			mutation.LastAttemptedAt = m.now()
			mutation.LastError = err.Error()
			if err := m.deadLetter(ctx, mutation); err != nil {
				return result, err
			}
			result.Failed++
			result.DeadLettered++
			continue
		}

		if WritesNothing(op) {
			// Every written field was masked; the backend keeps its values and
			// the cache refresh on commit replaces the optimistic ones.
			m.log.Debug().Str("mutation_id", mutation.ID).Msg("only masked fields, nothing to send")
			if err := m.commit(ctx, mutation); err != nil {
				return result, err
			}
			result.Succeeded++
			continue
		}

		if _, err := m.remote.Execute(ctx, mutation.Collection, op); err != nil {
			mutation.Retries++
			mutation.LastAttemptedAt = m.now()
			mutation.LastError = err.Error()
			result.Failed++
			if mutation.Retries >= m.maxRetries {
				if err := m.deadLetter(ctx, mutation); err != nil {
					return result, err
				}
				result.DeadLettered++
				continue
			}
			if err := m.requeue(ctx, mutation); err != nil {
				return result, err
			}
			continue
		}

		if err := m.commit(ctx, mutation); err != nil {
			return result, err
		}
		result.Succeeded++
	}
	return result, nil
}

func (m *OfflineManager) commit(ctx context.Context, mutation domain.Mutation) error {
	m.removePending(mutation.ID)
	if err := m.persist(ctx); err != nil {
		return err
	}
	if m.cache != nil {
		keys := make([]string, 0, 4)
		if mutation.CacheKey != "" {
			keys = append(keys, mutation.CacheKey)
		}
		if m.policy != nil {
			keys = append(keys, m.policy.DependentCaches(mutation.Collection)...)
		}
		if len(keys) > 0 {
			m.cache.Invalidate(ctx, keys...)
		}
	}
	m.log.Debug().Str("mutation_id", mutation.ID).Msg("mutation committed")
	m.notify(domain.EventCommitted, &mutation)
	return nil
}

func (m *OfflineManager) requeue(ctx context.Context, mutation domain.Mutation) error {
	m.mu.Lock()
	for i := range m.pending {
		if m.pending[i].ID == mutation.ID {
			m.pending[i] = mutation
			break
		}
	}
	m.mu.Unlock()
	if err := m.persist(ctx); err != nil {
		return err
	}
	m.log.Warn().Str("mutation_id", mutation.ID).Int("retries", mutation.Retries).Str("error", mutation.LastError).Msg("mutation failed, will retry")
	m.notify(domain.EventRetryScheduled, &mutation)
	return nil
}

func (m *OfflineManager) deadLetter(ctx context.Context, mutation domain.Mutation) error {
	m.mu.Lock()
	m.pending = slices.DeleteFunc(m.pending, func(p domain.Mutation) bool { return p.ID == mutation.ID })
	m.dead = append(m.dead, mutation)
	m.mu.Unlock()
	if err := m.persist(ctx); err != nil {
		return err
	}
	m.log.Error().Str("mutation_id", mutation.ID).Str("collection", mutation.Collection).Int("retries", mutation.Retries).Str("error", mutation.LastError).Msg("mutation moved to dead-letter queue")
	m.notify(domain.EventDeadLettered, &mutation)
	return nil
}

func (m *OfflineManager) removePending(id string) {
	m.mu.Lock()
	m.pending = slices.DeleteFunc(m.pending, func(p domain.Mutation) bool { return p.ID == id })
	m.mu.Unlock()
}

func (m *OfflineManager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(m.retryDelay, m.kickDrain)
}

// SyncNow runs a drain on behalf of a user and reports why nothing happened.
func (m *OfflineManager) SyncNow(ctx context.Context) (domain.DrainResult, error) {
	m.mu.Lock()
	initialized, online, size := m.initialized, m.online, len(m.pending)
	m.mu.Unlock()
	switch {
	case !initialized:
		return domain.DrainResult{}, domain.ErrNotInitialized
	case !online:
		return domain.DrainResult{}, domain.ErrOffline
	case size == 0:
		return domain.DrainResult{}, domain.ErrNothingToSync
	case m.syncing.Load():
		return domain.DrainResult{}, domain.ErrSyncInProgress
	}
	return m.Drain(ctx)
}

// PurgeDeadLetter empties the dead-letter queue and returns its members.
func (m *OfflineManager) PurgeDeadLetter(ctx context.Context) ([]domain.Mutation, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, domain.ErrNotInitialized
	}
	purged := m.dead
	m.dead = nil
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		m.mu.Lock()
		m.dead = append(purged, m.dead...)
		m.mu.Unlock()
		return nil, err
	}
	m.notify(domain.EventQueueChanged, nil)
	return purged, nil
}

func (m *OfflineManager) persist(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	pending := domain.Records(m.pending)
	dead := domain.Records(m.dead)
	m.mu.Unlock()

	if err := m.store.Set(ctx, domain.PendingQueueKey, pending); err != nil {
		return fmt.Errorf("persist pending queue: %w", err)
	}
	if err := m.store.Set(ctx, domain.DeadLetterQueueKey, dead); err != nil {
		return fmt.Errorf("persist dead-letter queue: %w", err)
	}
	return nil
}

func (m *OfflineManager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *OfflineManager) DeadLetterSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead)
}

func (m *OfflineManager) IsSyncing() bool {
	return m.syncing.Load()
}

func (m *OfflineManager) Pending() []domain.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending)
}

func (m *OfflineManager) DeadLetter() []domain.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dead)
}

// Subscribe registers a listener for every queue event. Listeners run on the
// goroutine that caused the event and must not block.
func (m *OfflineManager) Subscribe(fn func(domain.QueueEvent)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *OfflineManager) notify(kind domain.QueueEventKind, mutation *domain.Mutation) {
	m.emit(m.event(kind, mutation))
}

func (m *OfflineManager) notifyDrain(result domain.DrainResult) {
	ev := m.event(domain.EventSyncCompleted, nil)
	ev.Succeeded = result.Succeeded
	ev.Failed = result.Failed
	m.emit(ev)
}

func (m *OfflineManager) event(kind domain.QueueEventKind, mutation *domain.Mutation) domain.QueueEvent {
	m.mu.Lock()
	ev := domain.QueueEvent{
		Kind:           kind,
		QueueSize:      len(m.pending),
		DeadLetterSize: len(m.dead),
		IsSyncing:      m.syncing.Load(),
		Online:         m.online,
		Mutation:       mutation,
		At:             m.now(),
	}
	m.mu.Unlock()
	if mutation != nil {
		ev.Error = mutation.LastError
	}
	return ev
}

func (m *OfflineManager) emit(ev domain.QueueEvent) {
	m.subMu.Lock()
	listeners := make([]func(domain.QueueEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.subMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
