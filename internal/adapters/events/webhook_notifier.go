package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	webhookAttempts       = 3
	webhookBuffer         = 64
)

// DefaultWebhookKinds are forwarded when no kinds are configured.
var DefaultWebhookKinds = []domain.QueueEventKind{domain.EventDeadLettered, domain.EventSyncCompleted}

// WebhookNotifier forwards selected queue events to an HTTP endpoint.
// Each request is signed with HMAC-SHA256 so the receiver can verify authenticity.
type WebhookNotifier struct {
	url     string
	secret  []byte
	client  *http.Client
	kinds   map[domain.QueueEventKind]bool
	log     zerolog.Logger
	backoff time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.QueueEvent
	wg     sync.WaitGroup
}

// NewWebhookNotifier returns a notifier that POSTs events to url and signs
// them with secret. A zero or negative timeout falls back to
// defaultWebhookTimeout.
func NewWebhookNotifier(url, secret string, timeout time.Duration, kinds []domain.QueueEventKind, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if len(kinds) == 0 {
		kinds = DefaultWebhookKinds
	}
	set := make(map[domain.QueueEventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &WebhookNotifier{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: timeout},
		kinds:   set,
		log:     logger.With().Str("component", "webhook").Logger(),
		backoff: time.Second,
		queue:   make(chan domain.QueueEvent, webhookBuffer),
	}
}

// Start runs the delivery worker until Close is called.
func (p *WebhookNotifier) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range p.queue {
			p.deliver(ev)
		}
	}()
}

// Close delivers what is buffered and stops the worker.
func (p *WebhookNotifier) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Notify queues ev for delivery if its kind is forwarded. It never blocks.
func (p *WebhookNotifier) Notify(ev domain.QueueEvent) {
	if !p.kinds[ev.Kind] {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.log.Warn().Str("event", string(ev.Kind)).Msg("webhook buffer full, event dropped")
	}
}

func (p *WebhookNotifier) deliver(ev domain.QueueEvent) {
	var err error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
		err = p.Publish(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		if attempt < webhookAttempts {
			time.Sleep(p.backoff * time.Duration(attempt))
		}
	}
	p.log.Error().Err(err).Str("event", string(ev.Kind)).Msg("webhook delivery failed")
}

// Publish marshals ev to JSON, signs the body, and POSTs it to the
// configured webhook URL. The following headers are set on every request:
//
//	Content-Type:           application/json
//	X-Offlinesync-Event:    <ev.Kind>
//	X-Hub-Signature-256:    sha256=<hex-encoded HMAC-SHA256>
func (p *WebhookNotifier) Publish(ctx context.Context, ev domain.QueueEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Offlinesync-Event", string(ev.Kind))
	req.Header.Set("X-Hub-Signature-256", "sha256="+p.sign(payload))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookNotifier) sign(payload []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
