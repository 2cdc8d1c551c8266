package events

import (
	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

// LogNotifier writes queue events to the structured log. Failures are
// logged louder than routine queue traffic.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "queue_events").Logger()}
}

func (n *LogNotifier) Notify(ev domain.QueueEvent) {
	var e *zerolog.Event
	switch ev.Kind {
	case domain.EventDeadLettered:
		e = n.log.Error()
	case domain.EventRetryScheduled:
		e = n.log.Warn()
	case domain.EventSyncCompleted, domain.EventOnlineChanged:
		e = n.log.Info()
	default:
		e = n.log.Debug()
	}
	e = e.Str("event", string(ev.Kind)).
		Int("queue_size", ev.QueueSize).
		Int("dead_letter_size", ev.DeadLetterSize).
		Bool("online", ev.Online)
	if ev.Mutation != nil {
		e = e.Str("mutation_id", ev.Mutation.ID).
			Str("collection", ev.Mutation.Collection).
			Int("retries", ev.Mutation.Retries)
	}
	if ev.Error != "" {
		e = e.Str("error", ev.Error)
	}
	if ev.Kind == domain.EventSyncCompleted {
		e = e.Int("succeeded", ev.Succeeded).Int("failed", ev.Failed)
	}
	e.Msg("queue event")
}
