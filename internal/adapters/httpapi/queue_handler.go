package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

const (
	eventBuffer    = 64
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type queueStatusResponse struct {
	Online         bool `json:"online"`
	IsSyncing      bool `json:"is_syncing"`
	QueueSize      int  `json:"queue_size"`
	DeadLetterSize int  `json:"dead_letter_size"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *Handler) status() queueStatusResponse {
	return queueStatusResponse{
		Online:         h.queue.IsOnline(),
		IsSyncing:      h.queue.IsSyncing(),
		QueueSize:      h.queue.QueueSize(),
		DeadLetterSize: h.queue.DeadLetterSize(),
	}
}

func (h *Handler) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handler) listPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(h.queue.Pending())})
}

func (h *Handler) listDeadLetter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(h.queue.DeadLetter())})
}

func (h *Handler) purgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	purged, err := h.queue.PurgeDeadLetter(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	h.log.Info().Str("actor", actorFromContext(r.Context())).Int("purged", len(purged)).Msg("dead-letter queue purged")
	writeJSON(w, http.StatusOK, map[string]any{"purged": len(purged), "items": nonNil(purged)})
}

func (h *Handler) syncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.SyncNow(r.Context())
	switch {
	case errors.Is(err, domain.ErrNothingToSync):
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing_to_sync"})
		return
	case err != nil:
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "result": result})
}

func (h *Handler) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	h.queue.SetOnlineStatus(*req.Online)
	writeJSON(w, http.StatusOK, h.status())
}

// streamEvents upgrades to a websocket and forwards every queue event until
// the client goes away. Slow clients lose events rather than stall the queue.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event between upgrade
	// and subscription is lost.
	events := make(chan domain.QueueEvent, eventBuffer)
	unsubscribe := h.queue.Subscribe(func(ev domain.QueueEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read side only exists to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
