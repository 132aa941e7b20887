package mission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"drone-surveillance-console/console/internal/alerts"
	"drone-surveillance-console/console/internal/backend"
	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/notices"
	"drone-surveillance-console/console/internal/roster"
	"drone-surveillance-console/shared/authx"
	"drone-surveillance-console/shared/events"
	"drone-surveillance-console/shared/logx"
)

type fakeCommander struct {
	mu          sync.Mutex
	dispatched  []backend.DispatchRequest
	neutralised []backend.NeutraliseRequest
	videos      []backend.VideoFeedRequest
	patrols     []backend.PatrolRequest
	err         error

	// entered/gate make Dispatch block until the test releases it.
	entered chan struct{}
	gate    chan error
}

func (c *fakeCommander) Dispatch(ctx context.Context, req backend.DispatchRequest) (backend.DispatchResponse, error) {
	c.mu.Lock()
	c.dispatched = append(c.dispatched, req)
	err := c.err
	c.mu.Unlock()
	if c.gate != nil {
		close(c.entered)
		err = <-c.gate
	}
	if err != nil {
		return backend.DispatchResponse{}, err
	}
	return backend.DispatchResponse{FlightID: "F-100"}, nil
}

func (c *fakeCommander) Neutralise(ctx context.Context, req backend.NeutraliseRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neutralised = append(c.neutralised, req)
	return c.err
}

func (c *fakeCommander) LaunchVideoFeed(ctx context.Context, req backend.VideoFeedRequest) (backend.VideoFeedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videos = append(c.videos, req)
	if c.err != nil {
		return backend.VideoFeedResponse{}, c.err
	}
	return backend.VideoFeedResponse{ProcessID: "proc-7"}, nil
}

func (c *fakeCommander) StartPatrol(ctx context.Context, req backend.PatrolRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patrols = append(c.patrols, req)
	return c.err
}

type fakeSource struct {
	dronesErr error
}

func (s *fakeSource) Drones(ctx context.Context) ([]models.Drone, error) {
	if s.dronesErr != nil {
		return nil, s.dronesErr
	}
	return []models.Drone{{ID: "D1", Code: "DR-1"}, {ID: "D2", Code: "DR-2"}}, nil
}

func (s *fakeSource) Sensors(ctx context.Context) ([]models.Sensor, error) {
	lat, lng := 28.6, 77.2
	return []models.Sensor{{ID: "S1", Name: "North gate", Latitude: &lat, Longitude: &lng, StreamURL: "rtsp://cam/1"}}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	envs   []events.Envelope
}

func (p *recordingPublisher) PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.envs = append(p.envs, env)
	return nil
}

type fakeLocker struct {
	held     bool
	err      error
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context, id string) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

type harness struct {
	o       *Orchestrator
	feed    *alerts.Feed
	notices *notices.Store
	cmd     *fakeCommander
	pub     *recordingPublisher
	src     *fakeSource
}

func newHarness(t *testing.T, locker ActionLocker) *harness {
	t.Helper()
	store := notices.NewStore(10)
	src := &fakeSource{}
	feed := alerts.NewFeed(alerts.NewIndex(), nil, store, logx.Discard())
	cmd := &fakeCommander{}
	pub := &recordingPublisher{}
	o := New(Deps{
		Commander: cmd,
		Alerts:    feed,
		Roster:    roster.New(src, nil, time.Minute),
		Notifier:  store,
		Logger:    logx.Discard(),
		Locker:    locker,
		Publisher: pub,
		Clock:     func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	feed.OnResolved = func(id string) { o.ForceClose(id) }
	return &harness{o: o, feed: feed, notices: store, cmd: cmd, pub: pub, src: src}
}

func sensorAlert(id string) models.Alert {
	lat, lng := 28.6, 77.2
	return models.Alert{
		ID:        id,
		SensorID:  "S1",
		Message:   "Motion detected",
		Status:    "ACTIVE",
		CreatedAt: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		Sensor: &models.SensorSummary{
			ID:        "S1",
			Name:      "North gate",
			Latitude:  &lat,
			Longitude: &lng,
			StreamURL: "rtsp://cam/1",
		},
	}
}

func (h *harness) openWith(t *testing.T, a models.Alert, droneID string) {
	t.Helper()
	ctx := context.Background()
	h.feed.HandleActive(ctx, a)
	if _, err := h.o.Open(ctx, a.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	if droneID != "" {
		if _, err := h.o.SelectDrone(ctx, droneID); err != nil {
			t.Fatalf("select drone: %v", err)
		}
	}
}

func TestSendDroneDispatchesRemovesAndCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")

	ctx := authx.WithAuth(context.Background(), authx.AuthContext{Subject: "op-1"})
	ms, err := h.o.SendDrone(ctx)
	if err != nil {
		t.Fatalf("send drone: %v", err)
	}

	if len(h.cmd.dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(h.cmd.dispatched))
	}
	got := h.cmd.dispatched[0]
	want := backend.DispatchRequest{DroneID: "D1", AlertID: "A1", SensorID: "S1", TargetLatitude: 28.6, TargetLongitude: 77.2}
	if got != want {
		t.Fatalf("unexpected dispatch payload: %#v", got)
	}
	if _, ok := h.feed.Lookup("A1"); ok {
		t.Fatalf("expected A1 removed from the feed")
	}
	if h.o.Modal().Open {
		t.Fatalf("expected modal closed")
	}
	if ms.FlightID != "F-100" {
		t.Fatalf("expected flight id from backend, got %q", ms.FlightID)
	}
	if _, ok := h.o.Missions().Get("D1"); !ok {
		t.Fatalf("expected active mission for D1")
	}
	if len(h.pub.envs) != 1 || h.pub.topics[0] != events.TopicConsoleDecisions {
		t.Fatalf("expected one decision on %s, got %v", events.TopicConsoleDecisions, h.pub.topics)
	}
	if env := h.pub.envs[0]; env.EventType != events.EventDroneDispatched || env.Actor != "op-1" || env.AggregateID != "A1" {
		t.Fatalf("unexpected envelope %#v", env)
	}
	if n := len(h.notices.List()); n != 0 {
		t.Fatalf("expected no notices, got %d", n)
	}
}

func TestSendDroneUsesRosterSensorWhenAlertHasNone(t *testing.T) {
	h := newHarness(t, nil)
	a := sensorAlert("A2")
	a.Sensor = nil
	h.openWith(t, a, "D2")

	if _, err := h.o.SendDrone(context.Background()); err != nil {
		t.Fatalf("send drone: %v", err)
	}
	got := h.cmd.dispatched[0]
	if got.TargetLatitude != 28.6 || got.TargetLongitude != 77.2 {
		t.Fatalf("expected roster coordinates, got %#v", got)
	}
}

func TestSendDroneValidation(t *testing.T) {
	tests := []struct {
		name  string
		alert func() models.Alert
		drone string
		field string
	}{
		{
			name:  "no drone selected",
			alert: func() models.Alert { return sensorAlert("A1") },
			field: "droneId",
		},
		{
			name: "sensor without coordinates",
			alert: func() models.Alert {
				a := sensorAlert("A1")
				a.SensorID = "S9"
				a.Sensor.Latitude = nil
				return a
			},
			drone: "D1",
			field: "sensor",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.openWith(t, tt.alert(), tt.drone)

			_, err := h.o.SendDrone(context.Background())
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
			if len(h.cmd.dispatched) != 0 {
				t.Fatalf("expected no backend call")
			}
			st := h.o.Modal()
			if !st.Open || st.Busy {
				t.Fatalf("expected modal open and idle, got %#v", st)
			}
		})
	}
}

func TestSelectUnknownDroneIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "")
	_, err := h.o.SelectDrone(context.Background(), "D404")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "droneId" {
		t.Fatalf("expected droneId validation error, got %v", err)
	}
}

func TestDispatchFailureRaisesNoticeAndKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	h.cmd.err = &backend.APIError{StatusCode: 409, Reason: "drone is busy"}

	_, err := h.o.SendDrone(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	list := h.notices.List()
	if len(list) != 1 || !strings.Contains(list[0].Message, "drone is busy") {
		t.Fatalf("expected notice with backend reason, got %#v", list)
	}
	st := h.o.Modal()
	if !st.Open || st.Busy || st.SelectedDroneID != "D1" {
		t.Fatalf("expected modal unchanged, got %#v", st)
	}
	if _, ok := h.feed.Lookup("A1"); !ok {
		t.Fatalf("expected alert kept")
	}
	if _, ok := h.o.Missions().Get("D1"); ok {
		t.Fatalf("expected no mission")
	}
}

func TestDispatchFailureWithoutReasonUsesGenericMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	h.cmd.err = errors.New("dial tcp: connection refused")

	if _, err := h.o.SendDrone(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	list := h.notices.List()
	if len(list) != 1 || list[0].Message != "Failed to dispatch drone" {
		t.Fatalf("expected generic notice, got %#v", list)
	}
}

func startBlockedDispatch(t *testing.T, h *harness) <-chan error {
	t.Helper()
	h.cmd.entered = make(chan struct{})
	h.cmd.gate = make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.o.SendDrone(context.Background())
		done <- err
	}()
	select {
	case <-h.cmd.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch never reached the backend")
	}
	return done
}

func TestCloseRefusedWhileActionInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	done := startBlockedDispatch(t, h)

	if err := h.o.Close(); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
	st := h.o.Modal()
	if !st.Busy || st.Action != ActionSendDrone {
		t.Fatalf("expected busy send-drone, got %#v", st)
	}

	h.cmd.gate <- nil
	if err := <-done; err != nil {
		t.Fatalf("send drone: %v", err)
	}
	if h.o.Modal().Open {
		t.Fatalf("expected modal closed after success")
	}
}

func TestSecondActionRefusedWhileInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	done := startBlockedDispatch(t, h)

	if err := h.o.Neutralise(context.Background(), ""); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
	if len(h.cmd.neutralised) != 0 {
		t.Fatalf("expected no neutralise call")
	}
	h.cmd.gate <- nil
	<-done
}

func TestResolvedDuringFailedDispatchIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	done := startBlockedDispatch(t, h)

	h.feed.HandleResolved(context.Background(), models.AlertResolved{ID: "A1", Status: "NEUTRALISED"})
	if h.o.Modal().Open {
		t.Fatalf("expected modal force-closed by resolution")
	}

	h.cmd.gate <- &backend.APIError{StatusCode: 404, Reason: "alert not found"}
	if err := <-done; !errors.Is(err, ErrAlertGone) {
		t.Fatalf("expected ErrAlertGone, got %v", err)
	}
	if n := len(h.notices.List()); n != 0 {
		t.Fatalf("expected no notice for an already-resolved alert, got %d", n)
	}
}

func TestResolvedDuringSuccessfulDispatchKeepsMission(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	done := startBlockedDispatch(t, h)

	h.feed.HandleResolved(context.Background(), models.AlertResolved{ID: "A1", Status: "SENT"})
	h.cmd.gate <- nil
	if err := <-done; err != nil {
		t.Fatalf("send drone: %v", err)
	}
	if h.o.Modal().Open {
		t.Fatalf("expected modal closed")
	}
	if _, ok := h.o.Missions().Get("D1"); !ok {
		t.Fatalf("expected mission recorded")
	}
}

func TestForceCloseIgnoresOtherAlerts(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "")
	if h.o.ForceClose("A2") {
		t.Fatalf("expected no close for a different alert")
	}
	if !h.o.Modal().Open {
		t.Fatalf("expected modal still open")
	}
}

func TestForceCloseWhileDispatchInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	h.cmd.entered = make(chan struct{})
	h.cmd.gate = make(chan error, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.o.SendDrone(context.Background())
		done <- err
	}()
	<-h.cmd.entered

	if !h.o.ForceClose("A1") {
		t.Fatalf("expected close while busy")
	}
	h.cmd.gate <- nil
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := h.o.Modal(); m.Open || m.Busy {
		t.Fatalf("expected modal closed and idle, got %+v", m)
	}
}

func TestNeutraliseUsesDefaultReason(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "")

	if err := h.o.Neutralise(context.Background(), "  "); err != nil {
		t.Fatalf("neutralise: %v", err)
	}
	if len(h.cmd.neutralised) != 1 || h.cmd.neutralised[0].Reason != "Neutralised by operator" {
		t.Fatalf("unexpected neutralise calls %#v", h.cmd.neutralised)
	}
	if _, ok := h.feed.Lookup("A1"); ok {
		t.Fatalf("expected alert removed")
	}
	if h.o.Modal().Open {
		t.Fatalf("expected modal closed")
	}
	if h.pub.envs[0].EventType != events.EventAlertNeutralised {
		t.Fatalf("unexpected event %s", h.pub.envs[0].EventType)
	}
}

func TestActionLock(t *testing.T) {
	held := &fakeLocker{held: true}
	h := newHarness(t, held)
	h.openWith(t, sensorAlert("A1"), "D1")
	_, err := h.o.SendDrone(context.Background())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "alertId" {
		t.Fatalf("expected lock contention as validation error, got %v", err)
	}
	if len(h.cmd.dispatched) != 0 {
		t.Fatalf("expected no dispatch while locked elsewhere")
	}

	free := &fakeLocker{}
	h = newHarness(t, free)
	h.openWith(t, sensorAlert("A1"), "D1")
	if _, err := h.o.SendDrone(context.Background()); err != nil {
		t.Fatalf("send drone: %v", err)
	}
	if free.released != 1 {
		t.Fatalf("expected lock released once, got %d", free.released)
	}

	broken := &fakeLocker{err: errors.New("redis down")}
	h = newHarness(t, broken)
	h.openWith(t, sensorAlert("A1"), "")
	if err := h.o.Neutralise(context.Background(), "false alarm"); err != nil {
		t.Fatalf("expected neutralise to proceed without the lock, got %v", err)
	}
}

// slowLocker behaves like the Redis lock, one holder per alert id, and can
// stall the first acquisition until the test releases it.
type slowLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	entered chan struct{}
	gate    chan struct{}
	stalled bool
}

func (l *slowLocker) TryLock(ctx context.Context, id string) (func(), bool, error) {
	l.mu.Lock()
	if l.held[id] {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.held[id] = true
	stall := !l.stalled
	l.stalled = true
	l.mu.Unlock()
	if stall {
		close(l.entered)
		<-l.gate
	}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, true, nil
}

func TestDoubleSubmitInOneConsoleIsInFlight(t *testing.T) {
	locker := &slowLocker{held: map[string]bool{}, entered: make(chan struct{}), gate: make(chan struct{})}
	h := newHarness(t, locker)
	h.openWith(t, sensorAlert("A1"), "D1")

	done := make(chan error, 1)
	go func() {
		_, err := h.o.SendDrone(context.Background())
		done <- err
	}()
	<-locker.entered

	if _, err := h.o.SendDrone(context.Background()); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight for second click, got %v", err)
	}
	if err := h.o.Neutralise(context.Background(), ""); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight for neutralise, got %v", err)
	}
	close(locker.gate)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if len(h.cmd.dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(h.cmd.dispatched))
	}
}

func TestLockContentionLeavesModalIdle(t *testing.T) {
	h := newHarness(t, &fakeLocker{held: true})
	h.openWith(t, sensorAlert("A1"), "")
	if err := h.o.Neutralise(context.Background(), ""); err == nil {
		t.Fatalf("expected lock contention")
	}
	st := h.o.Modal()
	if !st.Open || st.Busy {
		t.Fatalf("expected modal open and idle after contention, got %#v", st)
	}
}

func TestVideoFeedKeepsModalOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "")

	pid, err := h.o.VideoFeed(context.Background())
	if err != nil || pid != "proc-7" {
		t.Fatalf("unexpected video feed result %q %v", pid, err)
	}
	if h.cmd.videos[0].SensorID != "S1" {
		t.Fatalf("unexpected request %#v", h.cmd.videos[0])
	}
	st := h.o.Modal()
	if !st.Open || st.Busy {
		t.Fatalf("expected modal open and idle, got %#v", st)
	}
}

func TestVideoFeedRequiresStream(t *testing.T) {
	h := newHarness(t, nil)
	a := sensorAlert("A1")
	a.SensorID = "S9"
	a.Sensor.StreamURL = ""
	h.openWith(t, a, "")

	_, err := h.o.VideoFeed(context.Background())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "streamUrl" {
		t.Fatalf("expected streamUrl validation error, got %v", err)
	}
	if len(h.cmd.videos) != 0 {
		t.Fatalf("expected no backend call")
	}
}

func TestOpenUnknownAlert(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.o.Open(context.Background(), "nope"); !errors.Is(err, ErrAlertGone) {
		t.Fatalf("expected ErrAlertGone, got %v", err)
	}
}

func TestOpenWithRosterFailureStillOpens(t *testing.T) {
	h := newHarness(t, nil)
	h.src.dronesErr = &backend.APIError{StatusCode: 503, Reason: "fleet service down"}
	h.feed.HandleActive(context.Background(), sensorAlert("A1"))

	st, err := h.o.Open(context.Background(), "A1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !st.Open || len(st.Drones) != 0 {
		t.Fatalf("expected open modal with empty roster, got %#v", st)
	}
	list := h.notices.List()
	if len(list) != 1 || !strings.Contains(list[0].Message, "fleet service down") {
		t.Fatalf("expected roster notice, got %#v", list)
	}
}

func TestPatrolTwoStep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.o.ConfirmPatrol(ctx); !errors.Is(err, ErrNoPatrolPending) {
		t.Fatalf("expected ErrNoPatrolPending, got %v", err)
	}
	if _, err := h.o.SelectPatrol(ctx, "D404"); err == nil {
		t.Fatalf("expected unknown drone rejected")
	}
	st, err := h.o.SelectPatrol(ctx, "D2")
	if err != nil || !st.Pending || st.DroneID != "D2" {
		t.Fatalf("unexpected select result %#v %v", st, err)
	}

	h.cmd.err = &backend.APIError{StatusCode: 500, Reason: "autopilot offline"}
	if err := h.o.ConfirmPatrol(ctx); err == nil {
		t.Fatalf("expected patrol failure")
	}
	if st := h.o.Patrol(); !st.Pending || st.Busy {
		t.Fatalf("expected prompt to stay pending, got %#v", st)
	}
	if n := len(h.notices.List()); n != 1 {
		t.Fatalf("expected one notice, got %d", n)
	}

	h.cmd.err = nil
	if err := h.o.ConfirmPatrol(ctx); err != nil {
		t.Fatalf("confirm patrol: %v", err)
	}
	if st := h.o.Patrol(); st.Pending || st.DroneID != "" {
		t.Fatalf("expected patrol prompt cleared, got %#v", st)
	}
	if len(h.cmd.patrols) != 2 || h.cmd.patrols[1].DroneID != "D2" {
		t.Fatalf("unexpected patrol calls %#v", h.cmd.patrols)
	}
	last := h.pub.envs[len(h.pub.envs)-1]
	if last.EventType != events.EventPatrolStarted || last.AggregateType != events.AggregateDrone {
		t.Fatalf("unexpected envelope %#v", last)
	}
}

func TestCancelPatrol(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.o.SelectPatrol(context.Background(), "D1"); err != nil {
		t.Fatalf("select patrol: %v", err)
	}
	if err := h.o.CancelPatrol(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.o.ConfirmPatrol(context.Background()); !errors.Is(err, ErrNoPatrolPending) {
		t.Fatalf("expected nothing pending after cancel, got %v", err)
	}
}

func TestCompleteMission(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	if _, err := h.o.SendDrone(context.Background()); err != nil {
		t.Fatalf("send drone: %v", err)
	}
	if !h.o.CompleteMission(context.Background(), "D1", MissionStatusCompleted) {
		t.Fatalf("expected mission ended")
	}
	if h.o.CompleteMission(context.Background(), "D1", MissionStatusCompleted) {
		t.Fatalf("expected second completion to be a no-op")
	}
	if n := len(h.o.Missions().List()); n != 0 {
		t.Fatalf("expected no missions, got %d", n)
	}
}

type recordingScheduler struct {
	scheduled []models.ActiveMission
	err       error
}

func (s *recordingScheduler) ScheduleExpiry(ctx context.Context, ms models.ActiveMission) error {
	s.scheduled = append(s.scheduled, ms)
	return s.err
}

func TestSendDroneSchedulesExpiry(t *testing.T) {
	h := newHarness(t, nil)
	sched := &recordingScheduler{err: errors.New("redis down")}
	h.o.scheduler = sched
	h.openWith(t, sensorAlert("A1"), "D1")

	ms, err := h.o.SendDrone(context.Background())
	if err != nil {
		t.Fatalf("expected scheduling failure not to fail the dispatch, got %v", err)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != ms {
		t.Fatalf("expected the mission to be scheduled, got %#v", sched.scheduled)
	}
}

func TestExpireMissionOnlyEndsMatchingMission(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t, sensorAlert("A1"), "D1")
	ms, err := h.o.SendDrone(context.Background())
	if err != nil {
		t.Fatalf("send drone: %v", err)
	}

	if h.o.ExpireMission(context.Background(), "D1", ms.StartedAt.Add(-time.Minute)) {
		t.Fatalf("expected a stale expiry to be ignored")
	}
	if _, ok := h.o.Missions().Get("D1"); !ok {
		t.Fatalf("expected mission kept")
	}
	if !h.o.ExpireMission(context.Background(), "D1", ms.StartedAt) {
		t.Fatalf("expected mission expired")
	}
	if _, ok := h.o.Missions().Get("D1"); ok {
		t.Fatalf("expected mission removed")
	}
	list := h.notices.List()
	if len(list) != 1 || list[0].Level != notices.LevelWarning {
		t.Fatalf("expected one warning notice, got %#v", list)
	}
	if h.o.ExpireMission(context.Background(), "D1", ms.StartedAt) {
		t.Fatalf("expected second expiry to be a no-op")
	}
}
