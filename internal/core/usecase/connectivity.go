package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/ports"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// StatusSink receives connectivity reports. OfflineManager implements it.
type StatusSink interface {
	SetOnlineStatus(online bool)
}

type ConnectivityOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ConnectivityMonitor probes the backend on an interval and reports the
// result to a StatusSink. The sink decides whether anything changed.
type ConnectivityMonitor struct {
	prober   ports.HealthProber
	sink     StatusSink
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConnectivityMonitor(prober ports.HealthProber, sink StatusSink, logger zerolog.Logger, opts ConnectivityOptions) *ConnectivityMonitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProbeTimeout
	}
	return &ConnectivityMonitor{
		prober:   prober,
		sink:     sink,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		log:      logger.With().Str("component", "connectivity").Logger(),
	}
}

// Start probes once immediately and then on every tick.
func (c *ConnectivityMonitor) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Probe(ctx)
			}
		}
	}()
}

func (c *ConnectivityMonitor) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Probe runs a single health check and reports it. It returns the observed
// status.
func (c *ConnectivityMonitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.prober.Ping(probeCtx)
	if ctx.Err() != nil {
		return false
	}
	online := err == nil
	if err != nil {
		c.log.Debug().Err(err).Msg("backend unreachable")
	}
	c.sink.SetOnlineStatus(online)
	return online
}
