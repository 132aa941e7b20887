package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/metricsx"
)

var ErrCircuitOpen = errors.New("backend circuit open")

// APIError is a non-2xx answer from the backend. Reason is the backend's own
// message when it sent one.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Reason)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuitBreaker

	retryBase time.Duration
}

type DispatchRequest struct {
	DroneID         string  `json:"droneId"`
	AlertID         string  `json:"alertId"`
	SensorID        string  `json:"sensorId"`
	TargetLatitude  float64 `json:"targetLatitude"`
	TargetLongitude float64 `json:"targetLongitude"`
}

type DispatchResponse struct {
	FlightID string `json:"flightId"`
}

type NeutraliseRequest struct {
	AlertID string `json:"alertId"`
	Reason  string `json:"reason"`
}

type VideoFeedRequest struct {
	SensorID string `json:"sensorId"`
}

type VideoFeedResponse struct {
	ProcessID string `json:"processId"`
}

type PatrolRequest struct {
	DroneID string `json:"droneId"`
}

func NewClient(baseURL string, token string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("BACKEND_URL is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),

		retryBase: 200 * time.Millisecond,
	}, nil
}

func (c *Client) ActiveAlerts(ctx context.Context, fresh bool) ([]models.Alert, error) {
	path := "/api/alerts/active"
	if fresh {
		path += "?fresh=true"
	}
	var out []models.Alert
	err := c.doJSON(ctx, "alerts.active", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Drones(ctx context.Context) ([]models.Drone, error) {
	var out []models.Drone
	err := c.doJSON(ctx, "drones.list", http.MethodGet, "/api/drones", nil, &out)
	return out, err
}

func (c *Client) Sensors(ctx context.Context) ([]models.Sensor, error) {
	var out []models.Sensor
	err := c.doJSON(ctx, "sensors.list", http.MethodGet, "/api/sensors", nil, &out)
	return out, err
}

func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, error) {
	var out DispatchResponse
	err := c.doJSON(ctx, "drones.dispatch", http.MethodPost, "/api/drones/dispatch", req, &out)
	return out, err
}

func (c *Client) Neutralise(ctx context.Context, req NeutraliseRequest) error {
	return c.doJSON(ctx, "alerts.neutralise", http.MethodPost, "/api/alerts/neutralise", req, nil)
}

func (c *Client) LaunchVideoFeed(ctx context.Context, req VideoFeedRequest) (VideoFeedResponse, error) {
	var out VideoFeedResponse
	err := c.doJSON(ctx, "sensors.video_feed", http.MethodPost, "/api/sensors/video-feed", req, &out)
	return out, err
}

func (c *Client) StartPatrol(ctx context.Context, req PatrolRequest) error {
	return c.doJSON(ctx, "drones.patrol", http.MethodPost, "/api/drones/patrol", req, nil)
}

func (c *Client) ListOfflineMaps(ctx context.Context, q models.OfflineMapQuery) (models.OfflineMapPage, error) {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	path := "/api/offline-maps"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	var out models.OfflineMapPage
	err := c.doJSON(ctx, "offline_maps.list", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CreateOfflineMap(ctx context.Context, req models.OfflineMapCreate) (models.OfflineMap, error) {
	var out models.OfflineMap
	err := c.doJSON(ctx, "offline_maps.create", http.MethodPost, "/api/offline-maps", req, &out)
	return out, err
}

func (c *Client) SetActiveOfflineMap(ctx context.Context, id string) (models.OfflineMap, error) {
	var out models.OfflineMap
	err := c.doJSON(ctx, "offline_maps.set_active", http.MethodPost, "/api/offline-maps/"+url.PathEscape(id)+"/active", nil, &out)
	return out, err
}

func (c *Client) DeleteOfflineMap(ctx context.Context, id string) error {
	return c.doJSON(ctx, "offline_maps.delete", http.MethodDelete, "/api/offline-maps/"+url.PathEscape(id), nil, nil)
}

func (c *Client) doJSON(ctx context.Context, op string, method string, path string, body any, out any) error {
	if c == nil || c.http == nil {
		return errors.New("backend client not initialized")
	}
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}

	ctx, span := otel.Tracer("backend").Start(ctx, "backend."+op)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("backend.path", path),
	)
	defer span.End()

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.breaker.Record(false)
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		payload = b
	}

	start := time.Now()
	attempt := func() error {
		err := c.roundTrip(ctx, method, path, payload, out)
		if err != nil && !isTransportError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var err error
	if method == http.MethodGet {
		err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(c.retry(), 2), ctx))
	} else {
		err = attempt()
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	c.breaker.Record(countsAsFailure(err))
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("backend.breaker", c.breaker.State().String()))
	metricsx.ObserveBackendLatency(op, outcome, time.Since(start))
	return err
}

func (c *Client) retry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = 4 * c.retryBase
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// transportError marks a failure before any backend response arrived.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	var t *transportError
	return errors.As(err, &t)
}

// countsAsFailure is true for transport errors and 5xx answers. A 4xx is the
// backend working as intended and keeps the circuit closed.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if isTransportError(err) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 500
}

func (c *Client) roundTrip(ctx context.Context, method string, path string, payload []byte, out any) error {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &transportError{err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Reason: reasonFrom(resp.StatusCode, raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

func reasonFrom(status int, raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}
