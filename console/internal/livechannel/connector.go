package livechannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
)

const (
	EventAlertActive   = "alert-active"
	EventAlertResolved = "alert-resolved"
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler receives transport callbacks. OnMessage is called from a single
// goroutine in arrival order.
type Handler interface {
	OnOpen()
	OnClose(err error)
	OnMessage(data []byte)
}

// Transport owns the wire and any reconnect policy. Run blocks until ctx is
// done.
type Transport interface {
	Run(ctx context.Context, h Handler) error
}

type Connector struct {
	transport Transport
	logger    logx.Logger
	connected atomic.Bool

	mu       sync.RWMutex
	active   []func(context.Context, models.Alert)
	resolved []func(context.Context, models.AlertResolved)
	status   []func(bool)
}

func NewConnector(t Transport, logger logx.Logger) *Connector {
	return &Connector{transport: t, logger: logger.With(slog.String("component", "livechannel"))}
}

// Connected is informational only.
func (c *Connector) Connected() bool {
	return c.connected.Load()
}

func (c *Connector) OnAlertActive(fn func(context.Context, models.Alert)) {
	c.mu.Lock()
	c.active = append(c.active, fn)
	c.mu.Unlock()
}

func (c *Connector) OnAlertResolved(fn func(context.Context, models.AlertResolved)) {
	c.mu.Lock()
	c.resolved = append(c.resolved, fn)
	c.mu.Unlock()
}

func (c *Connector) OnStatus(fn func(connected bool)) {
	c.mu.Lock()
	c.status = append(c.status, fn)
	c.mu.Unlock()
}

func (c *Connector) Run(ctx context.Context) error {
	return c.transport.Run(ctx, connectorHandler{c: c, ctx: ctx})
}

func (c *Connector) setConnected(ctx context.Context, v bool, err error) {
	if c.connected.Swap(v) == v {
		return
	}
	metricsx.SetLiveChannelConnected(v)
	if v {
		c.logger.Info(ctx, "live_channel_open", "live channel connected")
	} else {
		attrs := []slog.Attr{}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		c.logger.Warn(ctx, "live_channel_closed", "live channel disconnected", attrs...)
	}
	c.mu.RLock()
	subs := append([]func(bool){}, c.status...)
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(v)
	}
}

// Dispatch decodes one frame and fans it out. Malformed frames and unknown
// events are dropped.
func (c *Connector) Dispatch(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn(ctx, "live_channel_bad_frame", "dropping malformed frame",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return
	}

	switch f.Event {
	case EventAlertActive:
		var a models.Alert
		if err := json.Unmarshal(f.Data, &a); err != nil || a.ID == "" {
			c.dropPayload(ctx, f.Event, err)
			return
		}
		c.mu.RLock()
		subs := append([]func(context.Context, models.Alert){}, c.active...)
		c.mu.RUnlock()
		for _, fn := range subs {
			fn(ctx, a)
		}
	case EventAlertResolved:
		var r models.AlertResolved
		if err := json.Unmarshal(f.Data, &r); err != nil || r.ID == "" {
			c.dropPayload(ctx, f.Event, err)
			return
		}
		c.mu.RLock()
		subs := append([]func(context.Context, models.AlertResolved){}, c.resolved...)
		c.mu.RUnlock()
		for _, fn := range subs {
			fn(ctx, r)
		}
	default:
		c.logger.Debug(ctx, "live_channel_unknown_event", "ignoring unknown event", slog.String("event", f.Event))
	}
}

func (c *Connector) dropPayload(ctx context.Context, event string, err error) {
	msg := "missing id"
	if err != nil {
		msg = err.Error()
	}
	c.logger.Warn(ctx, "live_channel_bad_payload", "dropping event with invalid payload",
		slog.String("error_code", "INVALID_ARGUMENT"),
		slog.String("event", event),
		slog.String("error", msg),
	)
}

type connectorHandler struct {
	c   *Connector
	ctx context.Context
}

func (h connectorHandler) OnOpen() {
	h.c.setConnected(h.ctx, true, nil)
}

func (h connectorHandler) OnClose(err error) {
	h.c.setConnected(h.ctx, false, err)
}

func (h connectorHandler) OnMessage(data []byte) {
	h.c.Dispatch(h.ctx, data)
}
