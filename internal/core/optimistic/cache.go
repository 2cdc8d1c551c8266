package optimistic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

// Entry is the materialized result of one query.
type Entry struct {
	Rows      []domain.Row `json:"rows"`
	Stale     bool         `json:"stale"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Refresher refetches a query after the backend confirmed a write.
type Refresher interface {
	Refresh(ctx context.Context, key string) ([]domain.Row, error)
}

// Snapshot is a deep copy of an entry taken before an optimistic write.
type Snapshot struct {
	Key     string
	Entry   Entry
	Present bool
}

// Cache is an in-memory query cache. Every value handed out or stored is
// deep-copied, so callers can never alias cached rows.
type Cache struct {
	refresher Refresher
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewCache(refresher Refresher, logger zerolog.Logger) *Cache {
	return &Cache{
		refresher: refresher,
		log:       logger.With().Str("component", "query_cache").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]Entry),
	}
}

func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

func (c *Cache) Set(key string, rows []domain.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Rows: cloneRows(rows), UpdatedAt: c.now()}
}

func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) Snapshot(key string) Snapshot {
	e, ok := c.Get(key)
	return Snapshot{Key: key, Entry: e, Present: ok}
}

// Restore puts an entry back exactly as it was snapshotted, removing it if
// it did not exist.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.Present {
		delete(c.entries, s.Key)
		return
	}
	c.entries[s.Key] = cloneEntry(s.Entry)
}

// Apply runs fn on the rows at key and stores the result. The returned
// snapshot is the state before fn ran.
func (c *Cache) Apply(key string, fn func([]domain.Row) ([]domain.Row, error)) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[key]
	snap := Snapshot{Key: key, Entry: cloneEntry(prev), Present: ok}

	next, err := fn(cloneRows(prev.Rows))
	if err != nil {
		return snap, err
	}
	c.entries[key] = Entry{Rows: next, Stale: prev.Stale, UpdatedAt: c.now()}
	return snap, nil
}

// Invalidate marks entries stale and, with a refresher, refetches them.
// Keys that were never cached are ignored.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	var known []string
	c.mu.Lock()
	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		e.Stale = true
		c.entries[k] = e
		known = append(known, k)
	}
	c.mu.Unlock()

	if c.refresher == nil {
		return
	}
	for _, k := range known {
		rows, err := c.refresher.Refresh(ctx, k)
		if err != nil {
			c.log.Warn().Err(err).Str("cache_key", k).Msg("refresh failed, entry left stale")
			continue
		}
		c.Set(k, rows)
	}
}

func cloneEntry(e Entry) Entry {
	e.Rows = cloneRows(e.Rows)
	return e
}

func cloneRows(rows []domain.Row) []domain.Row {
	if rows == nil {
		return nil
	}
	out := make([]domain.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneValue(r).(domain.Row)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

type RefresherFunc func(ctx context.Context, key string) ([]domain.Row, error)

func (f RefresherFunc) Refresh(ctx context.Context, key string) ([]domain.Row, error) {
	return f(ctx, key)
}
