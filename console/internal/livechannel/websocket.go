package livechannel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"drone-surveillance-console/shared/logx"
)

// WebSocketTransport dials URL and redials with capped exponential backoff
// whenever the connection drops.
type WebSocketTransport struct {
	URL       string
	Header    http.Header
	Dialer    *websocket.Dialer
	RetryBase time.Duration
	RetryMax  time.Duration
	Logger    logx.Logger
}

func NewWebSocketTransport(url string, token string, retry time.Duration, logger logx.Logger) *WebSocketTransport {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if retry <= 0 {
		retry = 2 * time.Second
	}
	return &WebSocketTransport{
		URL:       url,
		Header:    header,
		Dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		RetryBase: retry,
		RetryMax:  15 * retry,
		Logger:    logger,
	}
}

func (t *WebSocketTransport) Run(ctx context.Context, h Handler) error {
	if t.URL == "" {
		return errors.New("LIVE_CHANNEL_URL is required")
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := t.RetryBase

	for {
		conn, _, err := dialer.DialContext(ctx, t.URL, t.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.Logger.Warn(ctx, "live_channel_dial_failed", "live channel dial failed",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, t.RetryMax)
			continue
		}

		backoff = t.RetryBase
		h.OnOpen()
		err = readLoop(ctx, conn, h)
		h.OnClose(err)
		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, t.RetryBase) {
			return nil
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.OnMessage(data)
	}
}

func nextBackoff(cur time.Duration, limit time.Duration) time.Duration {
	next := cur * 2
	if limit > 0 && next > limit {
		return limit
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
