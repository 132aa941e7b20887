package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"drone-surveillance-console/console/internal/backend"
	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/notices"
	"drone-surveillance-console/shared/authx"
	"drone-surveillance-console/shared/events"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
)

type Commander interface {
	Dispatch(ctx context.Context, req backend.DispatchRequest) (backend.DispatchResponse, error)
	Neutralise(ctx context.Context, req backend.NeutraliseRequest) error
	LaunchVideoFeed(ctx context.Context, req backend.VideoFeedRequest) (backend.VideoFeedResponse, error)
	StartPatrol(ctx context.Context, req backend.PatrolRequest) error
}

type AlertSource interface {
	Lookup(id string) (models.Alert, bool)
	RemoveOptimistic(ctx context.Context, id string) bool
}

type RosterReader interface {
	Drones(ctx context.Context) ([]models.Drone, error)
	Drone(ctx context.Context, id string) (models.Drone, bool, error)
	Sensor(ctx context.Context, id string) (models.Sensor, bool, error)
}

type ActionLocker interface {
	TryLock(ctx context.Context, id string) (release func(), ok bool, err error)
}

type Publisher interface {
	PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error
}

// Scheduler arranges for a dispatched mission to expire if no completion
// signal ever arrives.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, ms models.ActiveMission) error
}

type Notifier interface {
	Add(level notices.Level, source string, message string) notices.Notice
}

const (
	ActionSendDrone  = "send-drone"
	ActionNeutralise = "neutralise"
	ActionVideoFeed  = "video-feed"
)

type ModalState struct {
	Open            bool           `json:"open"`
	Alert           *models.Alert  `json:"alert,omitempty"`
	SelectedDroneID string         `json:"selectedDroneId,omitempty"`
	Busy            bool           `json:"busy"`
	Action          string         `json:"action,omitempty"`
	Drones          []models.Drone `json:"drones"`
}

type PatrolState struct {
	DroneID string `json:"droneId,omitempty"`
	Pending bool   `json:"pending"`
	Busy    bool   `json:"busy"`
}

type modal struct {
	open    bool
	seq     uint64
	alert   models.Alert
	droneID string
	busy    bool
	action  string
	drones  []models.Drone
}

type Deps struct {
	Commander        Commander
	Alerts           AlertSource
	Roster           RosterReader
	Missions         *Missions
	Notifier         Notifier
	Logger           logx.Logger
	Locker           ActionLocker
	Publisher        Publisher
	Scheduler        Scheduler
	NeutraliseReason string
	Clock            func() time.Time
}

// Orchestrator drives the decision modal for one selected alert and the
// two-step patrol prompt. Backend calls run outside the lock; the busy flag
// keeps a second action or an operator close from interleaving.
type Orchestrator struct {
	cmd       Commander
	alerts    AlertSource
	roster    RosterReader
	missions  *Missions
	notifier  Notifier
	logger    logx.Logger
	locker    ActionLocker
	publisher Publisher
	scheduler Scheduler
	reason    string
	now       func() time.Time

	mu     sync.Mutex
	seq    uint64
	modal  modal
	patrol PatrolState

	OnChange func()
}

func New(d Deps) *Orchestrator {
	if d.Missions == nil {
		d.Missions = NewMissions()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if strings.TrimSpace(d.NeutraliseReason) == "" {
		d.NeutraliseReason = "Neutralised by operator"
	}
	return &Orchestrator{
		cmd:       d.Commander,
		alerts:    d.Alerts,
		roster:    d.Roster,
		missions:  d.Missions,
		notifier:  d.Notifier,
		logger:    d.Logger.With(slog.String("component", "mission")),
		locker:    d.Locker,
		publisher: d.Publisher,
		scheduler: d.Scheduler,
		reason:    d.NeutraliseReason,
		now:       d.Clock,
	}
}

func (o *Orchestrator) Missions() *Missions { return o.missions }

func (o *Orchestrator) Modal() ModalState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modalStateLocked()
}

func (o *Orchestrator) Patrol() PatrolState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.patrol
}

// Open moves the modal to Open(alert) and loads or reuses the drone roster.
// A roster failure still opens the modal, with an empty list and a notice.
func (o *Orchestrator) Open(ctx context.Context, alertID string) (ModalState, error) {
	a, ok := o.alerts.Lookup(alertID)
	if !ok {
		return ModalState{}, ErrAlertGone
	}
	if o.isBusy() {
		return ModalState{}, ErrActionInFlight
	}

	drones, err := o.roster.Drones(ctx)
	if err != nil {
		o.logger.Error(ctx, "roster_load_failed", "failed to load drone roster",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		o.notify(notices.LevelError, "roster", "Failed to load drone roster: "+reasonOf(err, "backend unavailable"))
		drones = nil
	}

	o.mu.Lock()
	if o.modal.open && o.modal.busy {
		o.mu.Unlock()
		return ModalState{}, ErrActionInFlight
	}
	if _, ok := o.alerts.Lookup(alertID); !ok {
		o.mu.Unlock()
		return ModalState{}, ErrAlertGone
	}
	o.seq++
	o.modal = modal{open: true, seq: o.seq, alert: a, drones: drones}
	st := o.modalStateLocked()
	o.mu.Unlock()

	o.changed()
	return st, nil
}

func (o *Orchestrator) SelectDrone(ctx context.Context, droneID string) (ModalState, error) {
	droneID = strings.TrimSpace(droneID)
	o.mu.Lock()
	if !o.modal.open {
		o.mu.Unlock()
		return ModalState{}, ErrModalClosed
	}
	if o.modal.busy {
		o.mu.Unlock()
		return ModalState{}, ErrActionInFlight
	}
	seq := o.modal.seq
	drones := o.modal.drones
	o.mu.Unlock()

	if droneID == "" {
		return ModalState{}, invalid("droneId", "select a drone")
	}
	if err := o.checkDrone(ctx, droneID, drones); err != nil {
		return ModalState{}, err
	}

	o.mu.Lock()
	if !o.modal.open || o.modal.seq != seq {
		o.mu.Unlock()
		return ModalState{}, ErrModalClosed
	}
	if o.modal.busy {
		o.mu.Unlock()
		return ModalState{}, ErrActionInFlight
	}
	o.modal.droneID = droneID
	st := o.modalStateLocked()
	o.mu.Unlock()

	o.changed()
	return st, nil
}

// Close is the operator's close. It is refused while an action is in flight
// and is a no-op when nothing is open.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if !o.modal.open {
		o.mu.Unlock()
		return nil
	}
	if o.modal.busy {
		o.mu.Unlock()
		return ErrActionInFlight
	}
	o.modal = modal{}
	o.mu.Unlock()
	o.changed()
	return nil
}

// ForceClose closes the modal if it shows alertID, busy or not. It runs on
// every alert-resolved event.
func (o *Orchestrator) ForceClose(alertID string) bool {
	o.mu.Lock()
	if !o.modal.open || o.modal.alert.ID != alertID {
		o.mu.Unlock()
		return false
	}
	o.modal = modal{}
	o.mu.Unlock()
	o.logger.Info(context.Background(), "modal_force_closed", "alert resolved while open", slog.String("alert_id", alertID))
	o.changed()
	return true
}

func (o *Orchestrator) SendDrone(ctx context.Context) (models.ActiveMission, error) {
	a, droneID, seq, err := o.begin()
	if err != nil {
		return models.ActiveMission{}, err
	}
	if droneID == "" {
		return models.ActiveMission{}, o.rejected(ctx, "dispatch", invalid("droneId", "select a drone before sending"))
	}
	target, err := o.sensorTarget(ctx, a)
	if err != nil {
		return models.ActiveMission{}, o.rejected(ctx, "dispatch", err)
	}
	if err := o.markBusy(seq, ActionSendDrone); err != nil {
		return models.ActiveMission{}, err
	}
	release, err := o.lockAlert(ctx, a.ID)
	if err != nil {
		o.finish(seq, false)
		return models.ActiveMission{}, o.rejected(ctx, "dispatch", err)
	}
	defer release()

	resp, err := o.cmd.Dispatch(ctx, backend.DispatchRequest{
		DroneID:         droneID,
		AlertID:         a.ID,
		SensorID:        a.SensorID,
		TargetLatitude:  target.Latitude,
		TargetLongitude: target.Longitude,
	})
	if err != nil {
		o.finish(seq, false)
		return models.ActiveMission{}, o.failed(ctx, "dispatch", a.ID, "Failed to dispatch drone", err)
	}

	o.alerts.RemoveOptimistic(ctx, a.ID)
	o.finish(seq, true)

	ms := models.ActiveMission{
		DroneID:   droneID,
		AlertID:   a.ID,
		SensorID:  a.SensorID,
		FlightID:  resp.FlightID,
		Target:    target,
		StartedAt: o.now().UTC(),
	}
	o.missions.Start(ms)
	if o.scheduler != nil {
		if err := o.scheduler.ScheduleExpiry(ctx, ms); err != nil {
			o.logger.Warn(ctx, "mission_expiry_schedule_failed", "failed to schedule mission expiry",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("drone_id", droneID),
				slog.String("error", err.Error()),
			)
		}
	}
	metricsx.IncOperatorCommand("dispatch", "ok")
	o.logger.Info(ctx, "drone_dispatched", "drone dispatched",
		slog.String("alert_id", a.ID),
		slog.String("drone_id", droneID),
		slog.String("flight_id", resp.FlightID),
	)
	o.publish(ctx, events.AggregateAlert, a.ID, events.EventDroneDispatched, ms)
	o.changed()
	return ms, nil
}

func (o *Orchestrator) Neutralise(ctx context.Context, reason string) error {
	a, _, seq, err := o.begin()
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = o.reason
	}
	if err := o.markBusy(seq, ActionNeutralise); err != nil {
		return err
	}
	release, err := o.lockAlert(ctx, a.ID)
	if err != nil {
		o.finish(seq, false)
		return o.rejected(ctx, "neutralise", err)
	}
	defer release()

	if err := o.cmd.Neutralise(ctx, backend.NeutraliseRequest{AlertID: a.ID, Reason: reason}); err != nil {
		o.finish(seq, false)
		return o.failed(ctx, "neutralise", a.ID, "Failed to neutralise alert", err)
	}

	o.alerts.RemoveOptimistic(ctx, a.ID)
	o.finish(seq, true)
	metricsx.IncOperatorCommand("neutralise", "ok")
	o.logger.Info(ctx, "alert_neutralised", "alert neutralised",
		slog.String("alert_id", a.ID),
		slog.String("reason", reason),
	)
	o.publish(ctx, events.AggregateAlert, a.ID, events.EventAlertNeutralised, map[string]string{
		"alertId":  a.ID,
		"sensorId": a.SensorID,
		"reason":   reason,
	})
	o.changed()
	return nil
}

// VideoFeed launches the sensor's stream. The modal stays open.
func (o *Orchestrator) VideoFeed(ctx context.Context) (string, error) {
	a, _, seq, err := o.begin()
	if err != nil {
		return "", err
	}
	if _, err := o.streamURL(ctx, a); err != nil {
		return "", o.rejected(ctx, "video_feed", err)
	}
	if err := o.markBusy(seq, ActionVideoFeed); err != nil {
		return "", err
	}

	resp, err := o.cmd.LaunchVideoFeed(ctx, backend.VideoFeedRequest{SensorID: a.SensorID})
	o.finish(seq, false)
	if err != nil {
		return "", o.failed(ctx, "video_feed", a.ID, "Failed to open video feed", err)
	}
	metricsx.IncOperatorCommand("video_feed", "ok")
	o.logger.Info(ctx, "video_feed_launched", "video feed launched",
		slog.String("sensor_id", a.SensorID),
		slog.String("process_id", resp.ProcessID),
	)
	return resp.ProcessID, nil
}

func (o *Orchestrator) SelectPatrol(ctx context.Context, droneID string) (PatrolState, error) {
	droneID = strings.TrimSpace(droneID)
	o.mu.Lock()
	busy := o.patrol.Busy
	o.mu.Unlock()
	if busy {
		return PatrolState{}, ErrActionInFlight
	}
	if droneID == "" {
		return PatrolState{}, invalid("droneId", "select a drone to patrol")
	}
	if err := o.checkDrone(ctx, droneID, nil); err != nil {
		return PatrolState{}, err
	}

	o.mu.Lock()
	if o.patrol.Busy {
		o.mu.Unlock()
		return PatrolState{}, ErrActionInFlight
	}
	o.patrol = PatrolState{DroneID: droneID, Pending: true}
	st := o.patrol
	o.mu.Unlock()
	o.changed()
	return st, nil
}

// ConfirmPatrol is the second step. A failed command leaves the prompt
// pending so the operator can retry or cancel.
func (o *Orchestrator) ConfirmPatrol(ctx context.Context) error {
	o.mu.Lock()
	if !o.patrol.Pending {
		o.mu.Unlock()
		return ErrNoPatrolPending
	}
	if o.patrol.Busy {
		o.mu.Unlock()
		return ErrActionInFlight
	}
	o.patrol.Busy = true
	droneID := o.patrol.DroneID
	o.mu.Unlock()
	o.changed()

	err := o.cmd.StartPatrol(ctx, backend.PatrolRequest{DroneID: droneID})

	o.mu.Lock()
	o.patrol.Busy = false
	if err == nil {
		o.patrol = PatrolState{}
	}
	o.mu.Unlock()
	o.changed()

	if err != nil {
		return o.failed(ctx, "patrol", "", "Failed to start patrol", err)
	}
	metricsx.IncOperatorCommand("patrol", "ok")
	o.logger.Info(ctx, "patrol_started", "patrol started", slog.String("drone_id", droneID))
	o.publish(ctx, events.AggregateDrone, droneID, events.EventPatrolStarted, map[string]string{"droneId": droneID})
	return nil
}

func (o *Orchestrator) CancelPatrol() error {
	o.mu.Lock()
	if o.patrol.Busy {
		o.mu.Unlock()
		return ErrActionInFlight
	}
	o.patrol = PatrolState{}
	o.mu.Unlock()
	o.changed()
	return nil
}

// CompleteMission handles the external complete/abort signal.
func (o *Orchestrator) CompleteMission(ctx context.Context, droneID string, status string) bool {
	ms, ok := o.missions.End(droneID)
	if !ok {
		o.logger.Debug(ctx, "mission_unknown", "no active mission for drone", slog.String("drone_id", droneID))
		return false
	}
	o.logger.Info(ctx, "mission_ended", "mission ended",
		slog.String("drone_id", droneID),
		slog.String("alert_id", ms.AlertID),
		slog.String("status", status),
	)
	o.changed()
	return true
}

// ExpireMission ends a mission that outlived its timeout. It is a no-op when
// the drone has since completed or been redispatched.
func (o *Orchestrator) ExpireMission(ctx context.Context, droneID string, startedAt time.Time) bool {
	ms, ok := o.missions.EndIf(droneID, startedAt)
	if !ok {
		return false
	}
	o.logger.Warn(ctx, "mission_expired", "mission expired without completion",
		slog.String("drone_id", droneID),
		slog.String("alert_id", ms.AlertID),
		slog.String("flight_id", ms.FlightID),
	)
	o.notify(notices.LevelWarning, "mission", fmt.Sprintf("Mission for drone %s expired without a completion signal", droneID))
	o.changed()
	return true
}

func (o *Orchestrator) begin() (models.Alert, string, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.modal.open {
		return models.Alert{}, "", 0, ErrModalClosed
	}
	if o.modal.busy {
		return models.Alert{}, "", 0, ErrActionInFlight
	}
	return o.modal.alert, o.modal.droneID, o.modal.seq, nil
}

func (o *Orchestrator) markBusy(seq uint64, action string) error {
	o.mu.Lock()
	if !o.modal.open || o.modal.seq != seq {
		o.mu.Unlock()
		return ErrAlertGone
	}
	if o.modal.busy {
		o.mu.Unlock()
		return ErrActionInFlight
	}
	o.modal.busy = true
	o.modal.action = action
	o.mu.Unlock()
	o.changed()
	return nil
}

// finish clears busy if the modal still shows the same opening, and closes
// it on success. A modal that was force-closed or reopened is left alone.
func (o *Orchestrator) finish(seq uint64, closeModal bool) {
	o.mu.Lock()
	if o.modal.open && o.modal.seq == seq {
		o.modal.busy = false
		o.modal.action = ""
		if closeModal {
			o.modal = modal{}
		}
	}
	o.mu.Unlock()
	o.changed()
}

func (o *Orchestrator) isBusy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modal.open && o.modal.busy
}

func (o *Orchestrator) checkDrone(ctx context.Context, droneID string, drones []models.Drone) error {
	for _, d := range drones {
		if d.ID == droneID {
			return nil
		}
	}
	_, ok, err := o.roster.Drone(ctx, droneID)
	if err != nil {
		return invalid("droneId", "drone roster is unavailable")
	}
	if !ok {
		return invalid("droneId", "unknown drone "+droneID)
	}
	return nil
}

// sensorTarget prefers the coordinates carried on the alert and falls back
// to the sensor roster.
func (o *Orchestrator) sensorTarget(ctx context.Context, a models.Alert) (models.Coordinate, error) {
	if a.Sensor != nil {
		if c, ok := models.ValidCoordinate(a.Sensor.Latitude, a.Sensor.Longitude); ok {
			return c, nil
		}
	}
	if a.SensorID != "" {
		if s, ok, err := o.roster.Sensor(ctx, a.SensorID); err == nil && ok {
			if c, ok := s.Coordinate(); ok {
				return c, nil
			}
		}
	}
	return models.Coordinate{}, invalid("sensor", "the alert's sensor has no valid latitude/longitude")
}

func (o *Orchestrator) streamURL(ctx context.Context, a models.Alert) (string, error) {
	if a.Sensor != nil && strings.TrimSpace(a.Sensor.StreamURL) != "" {
		return a.Sensor.StreamURL, nil
	}
	if a.SensorID != "" {
		if s, ok, err := o.roster.Sensor(ctx, a.SensorID); err == nil && ok && strings.TrimSpace(s.StreamURL) != "" {
			return s.StreamURL, nil
		}
	}
	return "", invalid("streamUrl", "no video stream is configured for this sensor")
}

func (o *Orchestrator) lockAlert(ctx context.Context, alertID string) (func(), error) {
	noop := func() {}
	if o.locker == nil {
		return noop, nil
	}
	release, ok, err := o.locker.TryLock(ctx, alertID)
	if err != nil {
		o.logger.Warn(ctx, "action_lock_unavailable", "proceeding without cross-console lock",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("alert_id", alertID),
		)
		return noop, nil
	}
	if !ok {
		return nil, invalid("alertId", "another operator is acting on this alert")
	}
	return release, nil
}

func (o *Orchestrator) rejected(ctx context.Context, command string, err error) error {
	metricsx.IncOperatorCommand(command, "rejected")
	o.logger.Info(ctx, "command_rejected", "command rejected locally",
		slog.String("error_code", "INVALID_ARGUMENT"),
		slog.String("command", command),
		slog.String("error", err.Error()),
	)
	return err
}

// failed reports a backend command failure. When the alert was resolved in
// the meantime the failure is treated as already handled.
func (o *Orchestrator) failed(ctx context.Context, command string, alertID string, generic string, err error) error {
	if alertID != "" {
		if _, ok := o.alerts.Lookup(alertID); !ok {
			metricsx.IncOperatorCommand(command, "superseded")
			o.logger.Info(ctx, "command_superseded", "alert resolved while command was in flight",
				slog.String("command", command),
				slog.String("alert_id", alertID),
			)
			return ErrAlertGone
		}
	}
	metricsx.IncOperatorCommand(command, "failed")
	o.logger.Error(ctx, "command_failed", "backend command failed",
		slog.String("error_code", "UNAVAILABLE"),
		slog.String("command", command),
		slog.String("error", err.Error()),
	)
	msg := generic
	if reason := reasonOf(err, ""); reason != "" {
		msg = generic + ": " + reason
	}
	o.notify(notices.LevelError, command, msg)
	return fmt.Errorf("%s: %w", command, err)
}

func (o *Orchestrator) publish(ctx context.Context, aggregateType string, aggregateID string, eventType string, payload any) {
	if o.publisher == nil {
		return
	}
	env, err := events.New("console", aggregateType, aggregateID, eventType, payload, o.now())
	if err != nil {
		o.logger.Warn(ctx, "decision_encode_failed", "failed to encode decision", slog.String("error", err.Error()))
		return
	}
	if auth, ok := authx.FromContext(ctx); ok {
		env.Actor = auth.Actor()
	}
	if err := o.publisher.PublishEnvelope(ctx, events.TopicConsoleDecisions, env); err != nil {
		o.logger.Warn(ctx, "decision_publish_failed", "failed to publish decision",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("event_type", eventType),
		)
	}
}

func (o *Orchestrator) notify(level notices.Level, source string, msg string) {
	if o.notifier != nil {
		o.notifier.Add(level, source, msg)
	}
}

func (o *Orchestrator) changed() {
	if o.OnChange != nil {
		o.OnChange()
	}
}

func (o *Orchestrator) modalStateLocked() ModalState {
	if !o.modal.open {
		return ModalState{Drones: []models.Drone{}}
	}
	a := o.modal.alert
	drones := append([]models.Drone{}, o.modal.drones...)
	return ModalState{
		Open:            true,
		Alert:           &a,
		SelectedDroneID: o.modal.droneID,
		Busy:            o.modal.busy,
		Action:          o.modal.action,
		Drones:          drones,
	}
}

func reasonOf(err error, fallback string) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Reason) != "" {
		return apiErr.Reason
	}
	return fallback
}
