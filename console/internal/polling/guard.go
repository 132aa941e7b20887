// Package polling re-polls a resource on a fixed interval while a condition
// holds, with at most one request in flight.
package polling

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
)

type PollFunc func(ctx context.Context) error

type Guard struct {
	interval time.Duration
	poll     PollFunc
	logger   logx.Logger

	inFlight atomic.Bool
	polls    sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func NewGuard(interval time.Duration, poll PollFunc, logger logx.Logger) *Guard {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Guard{
		interval: interval,
		poll:     poll,
		logger:   logger.With(slog.String("component", "polling")),
	}
}

// Evaluate starts the loop when active becomes true and stops it when it
// becomes false. Repeated calls with the same value are no-ops.
func (g *Guard) Evaluate(active bool) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if active && g.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		g.cancel, g.loopDone = cancel, done
		g.mu.Unlock()
		g.logger.Debug(ctx, "poll_armed", "polling started", slog.Duration("interval", g.interval))
		go g.loop(ctx, done)
		return
	}
	if !active && g.cancel != nil {
		cancel, done := g.cancel, g.loopDone
		g.cancel, g.loopDone = nil, nil
		g.mu.Unlock()
		cancel()
		<-done
		g.logger.Debug(context.Background(), "poll_disarmed", "polling stopped")
		return
	}
	g.mu.Unlock()
}

func (g *Guard) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

func (g *Guard) InFlight() bool {
	return g.inFlight.Load()
}

// PollOnce issues one request unless one is already in flight. It reports
// whether a request was made.
func (g *Guard) PollOnce(ctx context.Context) bool {
	if !g.inFlight.CompareAndSwap(false, true) {
		metricsx.IncPollRequest("skipped")
		return false
	}
	defer g.inFlight.Store(false)
	g.run(ctx)
	return true
}

// Close stops the loop and waits for any in-flight request. The guard cannot
// be re-armed afterwards.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	cancel, done := g.cancel, g.loopDone
	g.cancel, g.loopDone = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	g.polls.Wait()
}

func (g *Guard) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.inFlight.CompareAndSwap(false, true) {
				metricsx.IncPollRequest("skipped")
				continue
			}
			g.polls.Add(1)
			go func() {
				defer g.polls.Done()
				defer g.inFlight.Store(false)
				g.run(ctx)
			}()
		}
	}
}

func (g *Guard) run(ctx context.Context) {
	if err := g.poll(ctx); err != nil {
		metricsx.IncPollRequest("failed")
		g.logger.Warn(ctx, "poll_failed", "poll request failed",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncPollRequest("ok")
}
