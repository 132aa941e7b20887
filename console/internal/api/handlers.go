// Package api is the operator-facing HTTP and push surface of the console.
package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"drone-surveillance-console/console/internal/alerts"
	"drone-surveillance-console/console/internal/backend"
	"drone-surveillance-console/console/internal/geo"
	"drone-surveillance-console/console/internal/liveness"
	"drone-surveillance-console/console/internal/mission"
	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/notices"
	"drone-surveillance-console/console/internal/offlinemap"
	"drone-surveillance-console/console/internal/push"
	"drone-surveillance-console/console/internal/roster"
	"drone-surveillance-console/shared/httpx"
	"drone-surveillance-console/shared/logx"
)

type ConnectionStatus interface {
	Connected() bool
}

type Deps struct {
	Connection   ConnectionStatus
	Feed         *alerts.Feed
	Orchestrator *mission.Orchestrator
	Roster       *roster.Roster
	Tracker      *liveness.Tracker
	Resolver     *geo.Resolver
	Notices      *notices.Store
	OfflineMaps  *offlinemap.View
	Hub          *push.Hub
	MapsHub      *push.Hub
	Logger       logx.Logger
	Clock        func() time.Time
}

type Server struct {
	conn    ConnectionStatus
	feed    *alerts.Feed
	orch    *mission.Orchestrator
	roster  *roster.Roster
	tracker *liveness.Tracker
	geo     *geo.Resolver
	notices *notices.Store
	maps    *offlinemap.View
	hub     *push.Hub
	mapsHub *push.Hub
	logger  logx.Logger
	now     func() time.Time
}

func New(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Resolver == nil {
		d.Resolver = geo.NewResolver(geo.DefaultOptions())
	}
	return &Server{
		conn:    d.Connection,
		feed:    d.Feed,
		orch:    d.Orchestrator,
		roster:  d.Roster,
		tracker: d.Tracker,
		geo:     d.Resolver,
		notices: d.Notices,
		maps:    d.OfflineMaps,
		hub:     d.Hub,
		mapsHub: d.MapsHub,
		logger:  d.Logger.With(slog.String("component", "api")),
		now:     d.Clock,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/connection", s.handleConnection)

	mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/v1/alerts/reload", s.handleReloadAlerts)

	mux.HandleFunc("GET /api/v1/modal", s.handleGetModal)
	mux.HandleFunc("POST /api/v1/modal/open", s.handleOpenModal)
	mux.HandleFunc("POST /api/v1/modal/drone", s.handleSelectDrone)
	mux.HandleFunc("POST /api/v1/modal/close", s.handleCloseModal)
	mux.HandleFunc("POST /api/v1/modal/send-drone", s.handleSendDrone)
	mux.HandleFunc("POST /api/v1/modal/neutralise", s.handleNeutralise)
	mux.HandleFunc("POST /api/v1/modal/video-feed", s.handleVideoFeed)

	mux.HandleFunc("GET /api/v1/patrol", s.handleGetPatrol)
	mux.HandleFunc("POST /api/v1/patrol/select", s.handleSelectPatrol)
	mux.HandleFunc("POST /api/v1/patrol/confirm", s.handleConfirmPatrol)
	mux.HandleFunc("POST /api/v1/patrol/cancel", s.handleCancelPatrol)

	mux.HandleFunc("GET /api/v1/drones", s.handleListDrones)
	mux.HandleFunc("GET /api/v1/missions", s.handleListMissions)
	mux.HandleFunc("POST /api/v1/missions/{droneId}/complete", s.handleCompleteMission)
	mux.HandleFunc("GET /api/v1/map/frame", s.handleMapFrame)

	mux.HandleFunc("GET /api/v1/notices", s.handleListNotices)
	mux.HandleFunc("DELETE /api/v1/notices/{id}", s.handleDismissNotice)

	if s.maps != nil {
		mux.HandleFunc("GET /api/v1/offline-maps", s.handleListOfflineMaps)
		mux.HandleFunc("POST /api/v1/offline-maps", s.handleCreateOfflineMap)
		mux.HandleFunc("POST /api/v1/offline-maps/{id}/active", s.handleActivateOfflineMap)
		mux.HandleFunc("DELETE /api/v1/offline-maps/{id}", s.handleDeleteOfflineMap)
	}

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
	}
	if s.mapsHub != nil && s.maps != nil {
		mux.HandleFunc("GET /ws/offline-maps", s.handleOfflineMapsWS)
	}
}

type connectionResponse struct {
	Connected bool `json:"connected"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.connection())
}

func (s *Server) connection() connectionResponse {
	if s.conn == nil {
		return connectionResponse{}
	}
	return connectionResponse{Connected: s.conn.Connected()}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, newList(s.feed.Index().List()))
}

func (s *Server) handleReloadAlerts(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.Load(r.Context(), true); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newList(s.feed.Index().List()))
}

func (s *Server) handleGetModal(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.orch.Modal())
}

type openModalRequest struct {
	AlertID string `json:"alertId"`
}

func (s *Server) handleOpenModal(w http.ResponseWriter, r *http.Request) {
	var req openModalRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AlertID) == "" {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", "alertId is required", map[string]string{"field": "alertId"})
		return
	}
	st, err := s.orch.Open(r.Context(), req.AlertID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

type droneRequest struct {
	DroneID string `json:"droneId"`
}

func (s *Server) handleSelectDrone(w http.ResponseWriter, r *http.Request) {
	var req droneRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.orch.SelectDrone(r.Context(), req.DroneID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleCloseModal(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Close(); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.orch.Modal())
}

func (s *Server) handleSendDrone(w http.ResponseWriter, r *http.Request) {
	ms, err := s.orch.SendDrone(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ms)
}

type neutraliseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleNeutralise(w http.ResponseWriter, r *http.Request) {
	var req neutraliseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.orch.Neutralise(r.Context(), req.Reason); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.orch.Modal())
}

type videoFeedResponse struct {
	ProcessID string `json:"processId"`
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	pid, err := s.orch.VideoFeed(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, videoFeedResponse{ProcessID: pid})
}

func (s *Server) handleGetPatrol(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.orch.Patrol())
}

func (s *Server) handleSelectPatrol(w http.ResponseWriter, r *http.Request) {
	var req droneRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.orch.SelectPatrol(r.Context(), req.DroneID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleConfirmPatrol(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ConfirmPatrol(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.orch.Patrol())
}

func (s *Server) handleCancelPatrol(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CancelPatrol(); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.orch.Patrol())
}

// DroneEntry joins the roster with the tracker. Status and Position are nil
// for a drone that has never reported.
type DroneEntry struct {
	models.Drone
	Status   *models.DroneStatus   `json:"status,omitempty"`
	Position *models.DronePosition `json:"position,omitempty"`
	Mission  *models.ActiveMission `json:"mission,omitempty"`
}

type dronesResponse struct {
	Items           []DroneEntry            `json:"items"`
	Total           int                     `json:"total"`
	RosterAvailable bool                    `json:"rosterAvailable"`
	Counts          map[models.Liveness]int `json:"counts"`
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.drones(r.Context()))
}

// drones lists roster drones first, then any drone the tracker knows that
// the roster does not. A roster failure degrades to tracker-only entries.
func (s *Server) drones(ctx context.Context) dronesResponse {
	list, err := s.roster.Drones(ctx)
	available := err == nil
	if err != nil {
		s.logger.Warn(ctx, "roster_unavailable", "drone roster unavailable, listing tracked drones only",
			slog.String("error_code", "UPSTREAM_FAILED"),
			slog.String("error", err.Error()),
		)
	}

	views := s.tracker.Snapshot()
	byID := make(map[string]liveness.DroneView, len(views))
	for _, v := range views {
		byID[v.DroneID] = v
	}
	missions := s.orch.Missions()

	items := make([]DroneEntry, 0, len(list)+len(views))
	seen := make(map[string]bool, len(list))
	add := func(d models.Drone) {
		seen[d.ID] = true
		e := DroneEntry{Drone: d}
		if v, ok := byID[d.ID]; ok {
			st, pos := v.Status, v.Position
			e.Status = &st
			e.Position = &pos
		}
		if ms, ok := missions.Get(d.ID); ok {
			e.Mission = &ms
		}
		items = append(items, e)
	}
	for _, d := range list {
		add(d)
	}
	for _, v := range views {
		if !seen[v.DroneID] {
			add(models.Drone{ID: v.DroneID})
		}
	}
	return dronesResponse{
		Items:           items,
		Total:           len(items),
		RosterAvailable: available,
		Counts:          s.tracker.Counts(),
	}
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, newList(s.orch.Missions().List()))
}

type completeMissionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleCompleteMission(w http.ResponseWriter, r *http.Request) {
	droneID := r.PathValue("droneId")
	var req completeMissionRequest
	if !decode(w, r, &req) {
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if status == "" {
		status = "COMPLETED"
	}
	if status != "COMPLETED" && status != "ABORTED" {
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", "status must be COMPLETED or ABORTED", map[string]string{"field": "status"})
		return
	}
	if !s.orch.CompleteMission(r.Context(), droneID, status) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no active mission for drone", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SensorMarker struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type,omitempty"`
	Position models.Coordinate `json:"position"`
}

type DroneMarker struct {
	DroneID   string          `json:"droneId"`
	Code      string          `json:"code,omitempty"`
	Placement geo.Placement   `json:"placement"`
	State     models.Liveness `json:"state"`
	IsLive    bool            `json:"isLive"`
	IsStale   bool            `json:"isStale"`
	HasAlert  bool            `json:"hasAlert"`
	OnMission bool            `json:"onMission"`
}

type MissionPath struct {
	DroneID string            `json:"droneId"`
	AlertID string            `json:"alertId"`
	From    models.Coordinate `json:"from"`
	To      models.Coordinate `json:"to"`
}

type MapFrame struct {
	Zoom       float64        `json:"zoom"`
	MarkerSize float64        `json:"markerSize"`
	Sensors    []SensorMarker `json:"sensors"`
	Drones     []DroneMarker  `json:"drones"`
	Paths      []MissionPath  `json:"paths"`
	RenderedAt time.Time      `json:"renderedAt"`
}

func (s *Server) handleMapFrame(w http.ResponseWriter, r *http.Request) {
	zoom := 0.0
	if raw := strings.TrimSpace(r.URL.Query().Get("zoom")); raw != "" {
		z, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(z) || math.IsInf(z, 0) {
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", "zoom must be a number", map[string]string{"field": "zoom"})
			return
		}
		zoom = z
	}
	httpx.WriteJSON(w, http.StatusOK, s.mapFrame(r.Context(), zoom))
}

// mapFrame runs one render pass. Sensors without a usable coordinate are
// omitted; a roster failure renders drones without sensor offsets.
func (s *Server) mapFrame(ctx context.Context, zoom float64) MapFrame {
	sensors, err := s.roster.Sensors(ctx)
	if err != nil {
		s.logger.Warn(ctx, "map_sensors_unavailable", "sensor roster unavailable for map frame",
			slog.String("error_code", "UPSTREAM_FAILED"),
			slog.String("error", err.Error()),
		)
		sensors = nil
	}
	codes := map[string]string{}
	if drones, err := s.roster.Drones(ctx); err == nil {
		for _, d := range drones {
			codes[d.ID] = d.Code
		}
	}

	frame := MapFrame{
		Zoom:       zoom,
		MarkerSize: s.geo.MarkerSize(zoom),
		Sensors:    []SensorMarker{},
		Drones:     []DroneMarker{},
		Paths:      []MissionPath{},
		RenderedAt: s.now().UTC(),
	}
	for _, sn := range sensors {
		at, ok := sn.Coordinate()
		if !ok {
			continue
		}
		frame.Sensors = append(frame.Sensors, SensorMarker{ID: sn.ID, Name: sn.Name, Type: sn.Type, Position: at})
	}

	missions := s.orch.Missions()
	positions := make(map[string]models.Coordinate)
	for _, v := range s.tracker.Snapshot() {
		raw := v.Position.Coordinate()
		positions[v.DroneID] = raw
		_, onMission := missions.Get(v.DroneID)
		frame.Drones = append(frame.Drones, DroneMarker{
			DroneID:   v.DroneID,
			Code:      codes[v.DroneID],
			Placement: s.geo.Resolve(raw, sensors),
			State:     v.Status.State,
			IsLive:    v.Status.IsLive,
			IsStale:   v.Status.IsStale,
			HasAlert:  v.Status.HasAlert,
			OnMission: onMission,
		})
	}
	for _, ms := range missions.List() {
		from, ok := positions[ms.DroneID]
		if !ok {
			continue
		}
		frame.Paths = append(frame.Paths, MissionPath{DroneID: ms.DroneID, AlertID: ms.AlertID, From: from, To: ms.Target})
	}
	return frame
}

func (s *Server) handleListNotices(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, newList(s.notices.List()))
}

func (s *Server) handleDismissNotice(w http.ResponseWriter, r *http.Request) {
	if !s.notices.Dismiss(r.PathValue("id")) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "notice not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOfflineMaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.OfflineMapQuery{Status: q.Get("status")}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", "page must be an integer", map[string]string{"field": "page"})
			return
		}
		query.Page = n
	}
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", "pageSize must be an integer", map[string]string{"field": "pageSize"})
			return
		}
		query.PageSize = n
	}
	page, err := s.maps.List(r.Context(), query)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateOfflineMap(w http.ResponseWriter, r *http.Request) {
	var req models.OfflineMapCreate
	if !decode(w, r, &req) {
		return
	}
	item, err := s.maps.Create(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, item)
}

func (s *Server) handleActivateOfflineMap(w http.ResponseWriter, r *http.Request) {
	item, err := s.maps.SetActive(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteOfflineMap(w http.ResponseWriter, r *http.Request) {
	if err := s.maps.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", err.Error(), nil)
			return false
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *mission.ValidationError
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &verr):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", verr.Message, map[string]string{"field": verr.Field})
	case errors.Is(err, offlinemap.ErrInvalidRequest):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, mission.ErrAlertGone):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, mission.ErrActionInFlight):
		httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, mission.ErrModalClosed), errors.Is(err, mission.ErrNoPatrolPending):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	case errors.Is(err, backend.ErrCircuitOpen):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "backend temporarily unavailable", nil)
	case errors.As(err, &apiErr):
		httpx.WriteError(w, r, http.StatusBadGateway, "UPSTREAM_FAILED", apiErr.Reason, map[string]int{"upstream_status": apiErr.StatusCode})
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "backend did not answer in time", nil)
	default:
		s.logger.Error(r.Context(), "request_failed", "request failed",
			slog.String("error_code", "UPSTREAM_FAILED"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusBadGateway, "UPSTREAM_FAILED", "backend request failed", nil)
	}
}
