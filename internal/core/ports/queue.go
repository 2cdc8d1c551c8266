package ports

import (
	"context"
	"encoding/json"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

// QueueStore persists ordered mutation lists by key. Get returns nil, nil for
// a key that was never written.
type QueueStore interface {
	Get(ctx context.Context, key string) ([]domain.MutationRecord, error)
	Set(ctx context.Context, key string, records []domain.MutationRecord) error
}

// RemoteService executes one operation against the backend and returns the
// committed row(s), if the backend sends any.
type RemoteService interface {
	Execute(ctx context.Context, collection string, op domain.Operation) (json.RawMessage, error)
}

type HealthProber interface {
	Ping(ctx context.Context) error
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

type PayloadValidator interface {
	Validate(ctx context.Context, collection string, data json.RawMessage) error
}

type JournalRepository interface {
	Append(ctx context.Context, entry domain.JournalEntry) error
	List(ctx context.Context, filter domain.JournalFilter) ([]domain.JournalEntry, error)
}
