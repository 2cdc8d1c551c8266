package domain

import "time"

type QueueEventKind string

const (
	EventQueueChanged  QueueEventKind = "queue.changed"
	EventSyncStarted   QueueEventKind = "sync.started"
	EventSyncCompleted QueueEventKind = "sync.completed"
	EventCommitted     QueueEventKind = "mutation.committed"
	// EventRetryScheduled is the soft failure notification: the mutation
	// stays pending and is retried on the next drain.
	EventRetryScheduled QueueEventKind = "mutation.retry"
	// EventDeadLettered is the hard failure notification.
	EventDeadLettered QueueEventKind = "mutation.dead_lettered"
	EventOnlineChanged QueueEventKind = "connectivity.changed"
)

// QueueEvent is delivered to every subscriber of the offline manager.
type QueueEvent struct {
	Kind           QueueEventKind `json:"kind"`
	QueueSize      int            `json:"queue_size"`
	DeadLetterSize int            `json:"dead_letter_size"`
	IsSyncing      bool           `json:"is_syncing"`
	Online         bool           `json:"online"`
	Mutation       *Mutation      `json:"mutation,omitempty"`
	Error          string         `json:"error,omitempty"`
	Succeeded      int            `json:"succeeded,omitempty"`
	Failed         int            `json:"failed,omitempty"`
	At             time.Time      `json:"at"`
}

// DrainResult summarises one drain pass.
type DrainResult struct {
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Remaining    int `json:"remaining"`
}

// JournalEntry is one lifecycle transition of a queued mutation.
type JournalEntry struct {
	ID         int64     `json:"id"`
	MutationID string    `json:"mutation_id"`
	Collection string    `json:"collection"`
	Kind       string    `json:"kind"`
	Action     string    `json:"action"`
	OwnerID    string    `json:"owner_id"`
	Retries    int       `json:"retries"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type JournalFilter struct {
	MutationID string
	Action     string
	AfterID    int64
	Limit      int
}
