package domain

import "time"

const (
	// MaxRetries is the number of remote attempts a queued mutation gets
	// before it is moved to the dead-letter queue.
	MaxRetries = 3

	PendingQueueKey    = "offline_queue"
	DeadLetterQueueKey = "offline_dead_letter"
)

// Intent is a mutation as issued by a caller, before it is queued.
type Intent struct {
	Collection string
	Operation  Operation
	CacheKey   string
	OwnerID    string
}

// Mutation is a queued state change. Payload holds the masked, JSON encoded
// and base64 wrapped operation.
type Mutation struct {
	ID              string        `json:"id"`
	Collection      string        `json:"collection"`
	Kind            OperationKind `json:"kind"`
	Payload         string        `json:"-"`
	CacheKey        string        `json:"cache_key,omitempty"`
	OwnerID         string        `json:"owner_id"`
	Retries         int           `json:"retries"`
	CreatedAt       time.Time     `json:"created_at"`
	LastAttemptedAt time.Time     `json:"last_attempted_at,omitzero"`
	LastError       string        `json:"last_error,omitempty"`
	OnConflict      string        `json:"on_conflict,omitempty"`
}

// MutationRecord is the persisted form of a Mutation. Timestamps are Unix
// milliseconds.
type MutationRecord struct {
	ID              string `json:"id"`
	Table           string `json:"table"`
	Type            string `json:"type"`
	Payload         string `json:"payload"`
	QueryKey        string `json:"queryKey"`
	UserID          string `json:"userId"`
	Retries         int    `json:"retries"`
	CreatedAt       int64  `json:"createdAt"`
	LastAttemptedAt int64  `json:"lastAttemptedAt,omitempty"`
	Error           string `json:"error,omitempty"`
	OnConflict      string `json:"onConflict,omitempty"`
}

func (m Mutation) Record() MutationRecord {
	rec := MutationRecord{
		ID:         m.ID,
		Table:      m.Collection,
		Type:       string(m.Kind),
		Payload:    m.Payload,
		QueryKey:   m.CacheKey,
		UserID:     m.OwnerID,
		Retries:    m.Retries,
		CreatedAt:  m.CreatedAt.UnixMilli(),
		Error:      m.LastError,
		OnConflict: m.OnConflict,
	}
	if !m.LastAttemptedAt.IsZero() {
		rec.LastAttemptedAt = m.LastAttemptedAt.UnixMilli()
	}
	return rec
}

func (r MutationRecord) Mutation() Mutation {
	m := Mutation{
		ID:         r.ID,
		Collection: r.Table,
		Kind:       OperationKind(r.Type),
		Payload:    r.Payload,
		CacheKey:   r.QueryKey,
		OwnerID:    r.UserID,
		Retries:    r.Retries,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
		LastError:  r.Error,
		OnConflict: r.OnConflict,
	}
	if r.LastAttemptedAt != 0 {
		m.LastAttemptedAt = time.UnixMilli(r.LastAttemptedAt).UTC()
	}
	return m
}

func Records(ms []Mutation) []MutationRecord {
	out := make([]MutationRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Record())
	}
	return out
}

func Mutations(recs []MutationRecord) []Mutation {
	out := make([]Mutation, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Mutation())
	}
	return out
}
