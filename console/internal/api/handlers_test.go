package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"drone-surveillance-console/console/internal/alerts"
	"drone-surveillance-console/console/internal/backend"
	"drone-surveillance-console/console/internal/geo"
	"drone-surveillance-console/console/internal/liveness"
	"drone-surveillance-console/console/internal/mission"
	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/notices"
	"drone-surveillance-console/console/internal/offlinemap"
	"drone-surveillance-console/console/internal/roster"
	"drone-surveillance-console/shared/logx"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend stands in for every outbound backend surface the console uses.
type fakeBackend struct {
	mu          sync.Mutex
	alerts      []models.Alert
	alertsErr   error
	dispatchErr error
	dispatched  []backend.DispatchRequest
	created     []models.OfflineMapCreate
}

func (b *fakeBackend) ActiveAlerts(ctx context.Context, fresh bool) ([]models.Alert, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alerts, b.alertsErr
}

func (b *fakeBackend) Drones(ctx context.Context) ([]models.Drone, error) {
	return []models.Drone{{ID: "D1", Code: "DR-1"}, {ID: "D2", Code: "DR-2"}}, nil
}

func (b *fakeBackend) Sensors(ctx context.Context) ([]models.Sensor, error) {
	lat, lng := 28.6, 77.2
	return []models.Sensor{
		{ID: "S1", Name: "North gate", Latitude: &lat, Longitude: &lng, StreamURL: "rtsp://cam/1"},
		{ID: "S2", Name: "Unplaced"},
	}, nil
}

func (b *fakeBackend) Dispatch(ctx context.Context, req backend.DispatchRequest) (backend.DispatchResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatched = append(b.dispatched, req)
	if b.dispatchErr != nil {
		return backend.DispatchResponse{}, b.dispatchErr
	}
	return backend.DispatchResponse{FlightID: "F-1"}, nil
}

func (b *fakeBackend) Neutralise(ctx context.Context, req backend.NeutraliseRequest) error {
	return nil
}

func (b *fakeBackend) LaunchVideoFeed(ctx context.Context, req backend.VideoFeedRequest) (backend.VideoFeedResponse, error) {
	return backend.VideoFeedResponse{ProcessID: "proc-1"}, nil
}

func (b *fakeBackend) StartPatrol(ctx context.Context, req backend.PatrolRequest) error {
	return nil
}

func (b *fakeBackend) ListOfflineMaps(ctx context.Context, q models.OfflineMapQuery) (models.OfflineMapPage, error) {
	return models.OfflineMapPage{Items: []models.OfflineMap{{ID: "M1", Name: "Sector 7", Status: "completed"}}, Total: 1}, nil
}

func (b *fakeBackend) CreateOfflineMap(ctx context.Context, req models.OfflineMapCreate) (models.OfflineMap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, req)
	return models.OfflineMap{ID: "M2", Name: req.Name, Status: "pending"}, nil
}

func (b *fakeBackend) SetActiveOfflineMap(ctx context.Context, id string) (models.OfflineMap, error) {
	return models.OfflineMap{ID: id, Active: true}, nil
}

func (b *fakeBackend) DeleteOfflineMap(ctx context.Context, id string) error {
	return nil
}

type staticConnection bool

func (c staticConnection) Connected() bool { return bool(c) }

type harness struct {
	api     *fakeBackend
	feed    *alerts.Feed
	tracker *liveness.Tracker
	notices *notices.Store
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &fakeBackend{}
	store := notices.NewStore(10)
	feed := alerts.NewFeed(alerts.NewIndex(), api, store, logx.Discard())
	rost := roster.New(api, nil, time.Minute)
	orch := mission.New(mission.Deps{
		Commander: api,
		Alerts:    feed,
		Roster:    rost,
		Notifier:  store,
		Logger:    logx.Discard(),
		Clock:     func() time.Time { return fixedNow },
	})
	tracker := liveness.NewTracker(liveness.Windows{Liveness: 10 * time.Second, Loss: time.Minute})
	view := offlinemap.NewView(api, time.Hour, logx.Discard())
	t.Cleanup(view.Close)

	srv := New(Deps{
		Connection:   staticConnection(true),
		Feed:         feed,
		Orchestrator: orch,
		Roster:       rost,
		Tracker:      tracker,
		Resolver:     geo.NewResolver(geo.DefaultOptions()),
		Notices:      store,
		OfflineMaps:  view,
		Logger:       logx.Discard(),
		Clock:        func() time.Time { return fixedNow },
	})
	mux := http.NewServeMux()
	srv.Register(mux)
	return &harness{api: api, feed: feed, tracker: tracker, notices: store, handler: mux}
}

func (h *harness) do(t *testing.T, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &env)
	return env.Error.Code
}

func sensorAlert(id string) models.Alert {
	lat, lng := 28.6, 77.2
	return models.Alert{
		ID:        id,
		SensorID:  "S1",
		Message:   "Motion detected",
		Status:    "ACTIVE",
		CreatedAt: fixedNow.Add(-time.Minute),
		Sensor:    &models.SensorSummary{ID: "S1", Name: "North gate", Latitude: &lat, Longitude: &lng},
	}
}

func TestDispatchFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.feed.HandleActive(context.Background(), sensorAlert("A1"))
	h.tracker.Observe(models.TelemetrySample{DroneID: "D1", Latitude: 28.61, Longitude: 77.21, Timestamp: fixedNow}, fixedNow)

	if rec := h.do(t, http.MethodPost, "/api/v1/modal/open", `{"alertId":"A1"}`); rec.Code != http.StatusOK {
		t.Fatalf("open: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/modal/drone", `{"droneId":"D1"}`); rec.Code != http.StatusOK {
		t.Fatalf("select: %d %s", rec.Code, rec.Body.String())
	}
	rec := h.do(t, http.MethodPost, "/api/v1/modal/send-drone", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var ms models.ActiveMission
	decodeBody(t, rec, &ms)
	if ms.DroneID != "D1" || ms.AlertID != "A1" || ms.Target.Latitude != 28.6 || ms.Target.Longitude != 77.2 {
		t.Fatalf("unexpected mission %#v", ms)
	}

	var list struct {
		Items []models.Alert `json:"items"`
		Total int            `json:"total"`
	}
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/alerts", ""), &list)
	if list.Total != 0 {
		t.Fatalf("expected A1 removed after dispatch, got %d alerts", list.Total)
	}

	var modal mission.ModalState
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/modal", ""), &modal)
	if modal.Open {
		t.Fatalf("expected modal closed after dispatch")
	}

	var frame MapFrame
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/map/frame?zoom=14", ""), &frame)
	if len(frame.Paths) != 1 || frame.Paths[0].From.Latitude != 28.61 || frame.Paths[0].To.Latitude != 28.6 {
		t.Fatalf("unexpected mission paths %#v", frame.Paths)
	}
	if len(frame.Drones) != 1 || !frame.Drones[0].OnMission || frame.Drones[0].Code != "DR-1" {
		t.Fatalf("unexpected drone markers %#v", frame.Drones)
	}
}

func TestModalErrorsMapToStatusCodes(t *testing.T) {
	h := newHarness(t)
	h.feed.HandleActive(context.Background(), sensorAlert("A1"))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing alert id", http.MethodPost, "/api/v1/modal/open", `{}`, http.StatusUnprocessableEntity, "INVALID_ARGUMENT"},
		{"unknown alert", http.MethodPost, "/api/v1/modal/open", `{"alertId":"nope"}`, http.StatusNotFound, "NOT_FOUND"},
		{"bad json", http.MethodPost, "/api/v1/modal/open", `{`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"send with modal closed", http.MethodPost, "/api/v1/modal/send-drone", "", http.StatusConflict, "FAILED_PRECONDITION"},
		{"confirm without patrol", http.MethodPost, "/api/v1/patrol/confirm", "", http.StatusConflict, "FAILED_PRECONDITION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, rec.Code, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestSendDroneWithoutSelectionIsValidationError(t *testing.T) {
	h := newHarness(t)
	h.feed.HandleActive(context.Background(), sensorAlert("A1"))
	h.do(t, http.MethodPost, "/api/v1/modal/open", `{"alertId":"A1"}`)

	rec := h.do(t, http.MethodPost, "/api/v1/modal/send-drone", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	if len(h.api.dispatched) != 0 {
		t.Fatalf("expected no backend call")
	}
}

func TestBackendFailureIsUpstreamError(t *testing.T) {
	h := newHarness(t)
	h.api.dispatchErr = &backend.APIError{StatusCode: http.StatusConflict, Reason: "drone busy"}
	h.feed.HandleActive(context.Background(), sensorAlert("A1"))
	h.do(t, http.MethodPost, "/api/v1/modal/open", `{"alertId":"A1"}`)
	h.do(t, http.MethodPost, "/api/v1/modal/drone", `{"droneId":"D1"}`)

	rec := h.do(t, http.MethodPost, "/api/v1/modal/send-drone", "")
	if rec.Code != http.StatusBadGateway || errorCode(t, rec) != "UPSTREAM_FAILED" {
		t.Fatalf("expected 502 UPSTREAM_FAILED, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "drone busy") {
		t.Fatalf("expected backend reason in body, got %s", rec.Body.String())
	}

	var modal mission.ModalState
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/modal", ""), &modal)
	if !modal.Open || modal.Busy {
		t.Fatalf("expected modal still open and idle, got %#v", modal)
	}

	var ns struct {
		Items []notices.Notice `json:"items"`
	}
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/notices", ""), &ns)
	if len(ns.Items) != 1 || !strings.Contains(ns.Items[0].Message, "drone busy") {
		t.Fatalf("expected a dispatch notice, got %#v", ns.Items)
	}
	if rec := h.do(t, http.MethodDelete, "/api/v1/notices/"+ns.Items[0].ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/v1/notices/"+ns.Items[0].ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second dismiss, got %d", rec.Code)
	}
}

func TestReloadAlerts(t *testing.T) {
	h := newHarness(t)
	h.api.alerts = []models.Alert{sensorAlert("A1"), {ID: "A0", Status: "SENT"}}

	rec := h.do(t, http.MethodPost, "/api/v1/alerts/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload: %d %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 {
		t.Fatalf("expected resolved alert filtered, got %d", list.Total)
	}

	h.api.alertsErr = errors.New("connection refused")
	rec = h.do(t, http.MethodPost, "/api/v1/alerts/reload", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if h.feed.Index().Len() != 0 {
		t.Fatalf("expected list emptied after failed snapshot")
	}
}

func TestDronesJoinsRosterAndTracker(t *testing.T) {
	h := newHarness(t)
	h.tracker.Observe(models.TelemetrySample{DroneID: "D1", Latitude: 1, Longitude: 2, Timestamp: fixedNow}, fixedNow)
	h.tracker.Observe(models.TelemetrySample{DroneID: "X9", Latitude: 3, Longitude: 4, Timestamp: fixedNow}, fixedNow)

	var resp dronesResponse
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/drones", ""), &resp)
	if resp.Total != 3 || !resp.RosterAvailable {
		t.Fatalf("expected two roster drones plus one tracked, got %#v", resp)
	}
	byID := map[string]DroneEntry{}
	for _, e := range resp.Items {
		byID[e.ID] = e
	}
	if byID["D1"].Status == nil || byID["D1"].Status.State != models.LivenessLive {
		t.Fatalf("expected D1 live, got %#v", byID["D1"].Status)
	}
	if byID["D2"].Status != nil {
		t.Fatalf("expected D2 without status, never reported")
	}
	if byID["X9"].Position == nil || byID["X9"].Position.Latitude != 3 {
		t.Fatalf("expected tracker-only drone X9 listed")
	}
}

func TestMapFrameOffsetsDroneNearSensor(t *testing.T) {
	h := newHarness(t)
	h.tracker.Observe(models.TelemetrySample{DroneID: "D1", Latitude: 28.6, Longitude: 77.2, Timestamp: fixedNow}, fixedNow)

	var frame MapFrame
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/map/frame?zoom=100", ""), &frame)
	if len(frame.Sensors) != 1 || frame.Sensors[0].ID != "S1" {
		t.Fatalf("expected only the placed sensor, got %#v", frame.Sensors)
	}
	if len(frame.Drones) != 1 {
		t.Fatalf("expected one drone, got %d", len(frame.Drones))
	}
	p := frame.Drones[0].Placement
	if !p.Offset || p.NearSensor != "S1" || p.Raw.Latitude != 28.6 || p.Draw == p.Raw {
		t.Fatalf("expected offset placement near S1, got %#v", p)
	}
	if frame.MarkerSize != geo.DefaultOptions().MaxSizePx {
		t.Fatalf("expected marker size clamped to max, got %v", frame.MarkerSize)
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/map/frame?zoom=abc", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad zoom, got %d", rec.Code)
	}
}

func TestCompleteMission(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/api/v1/missions/D1/complete", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a mission, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/missions/D1/complete", `{"status":"LOST"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown status, got %d", rec.Code)
	}
}

func TestOfflineMapRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/offline-maps?page=1&pageSize=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/offline-maps?page=x", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad page, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/offline-maps", `{"name":" "}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank name, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodPost, "/api/v1/offline-maps", `{"name":"Sector 9","minZoom":10,"maxZoom":14}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/offline-maps/M1/active", ""); rec.Code != http.StatusOK {
		t.Fatalf("activate: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/v1/offline-maps/M1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
}

func TestConnectionAndMethodRouting(t *testing.T) {
	h := newHarness(t)
	var conn connectionResponse
	decodeBody(t, h.do(t, http.MethodGet, "/api/v1/connection", ""), &conn)
	if !conn.Connected {
		t.Fatalf("expected connected")
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/modal/send-drone", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
