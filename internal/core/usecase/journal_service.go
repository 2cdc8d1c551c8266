package usecase

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
	"github.com/atvirokodosprendimai/offlinesync/internal/core/ports"
)

const (
	JournalQueued       = "queued"
	JournalCommitted    = "committed"
	JournalRetry        = "retry"
	JournalDeadLettered = "dead_lettered"

	journalBuffer = 256
)

// JournalService keeps an append-only history of mutation lifecycle
// transitions. Record is safe to use as an OfflineManager subscriber: it never
// blocks, entries are written by a background goroutine.
type JournalService struct {
	repo ports.JournalRepository
	log  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan domain.JournalEntry
	wg      sync.WaitGroup
}

func NewJournalService(repo ports.JournalRepository, logger zerolog.Logger) *JournalService {
	return &JournalService{
		repo:    repo,
		log:     logger.With().Str("component", "journal").Logger(),
		entries: make(chan domain.JournalEntry, journalBuffer),
	}
}

// Start runs the writer until Close is called.
func (s *JournalService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for entry := range s.entries {
			if err := s.repo.Append(context.Background(), entry); err != nil {
				s.log.Error().Err(err).Str("mutation_id", entry.MutationID).Msg("append journal entry")
			}
		}
	}()
}

// Close flushes buffered entries and stops the writer.
func (s *JournalService) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *JournalService) Record(ev domain.QueueEvent) {
	if ev.Mutation == nil {
		return
	}
	action := journalAction(ev.Kind)
	if action == "" {
		return
	}
	m := ev.Mutation
	entry := domain.JournalEntry{
		MutationID: m.ID,
		Collection: m.Collection,
		Kind:       string(m.Kind),
		Action:     action,
		OwnerID:    m.OwnerID,
		Retries:    m.Retries,
		Error:      m.LastError,
		At:         ev.At,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.entries <- entry:
	default:
		s.log.Warn().Str("mutation_id", m.ID).Str("action", action).Msg("journal buffer full, entry dropped")
	}
}

func (s *JournalService) List(ctx context.Context, filter domain.JournalFilter) ([]domain.JournalEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return s.repo.List(ctx, filter)
}

func journalAction(kind domain.QueueEventKind) string {
	switch kind {
	case domain.EventQueueChanged:
		return JournalQueued
	case domain.EventCommitted:
		return JournalCommitted
	case domain.EventRetryScheduled:
		return JournalRetry
	case domain.EventDeadLettered:
		return JournalDeadLettered
	}
	return ""
}
