package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"drone-surveillance-console/console/internal/liveness"
	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/push"
)

func (s *Server) ConnectionFrame() push.Frame {
	return push.Frame{Type: push.FrameConnection, Data: s.connection()}
}

func (s *Server) AlertsFrame() push.Frame {
	return push.Frame{Type: push.FrameAlerts, Data: newList(s.feed.Index().List())}
}

func (s *Server) ModalFrame() push.Frame {
	return push.Frame{Type: push.FrameModal, Data: s.orch.Modal()}
}

func (s *Server) PatrolFrame() push.Frame {
	return push.Frame{Type: push.FramePatrol, Data: s.orch.Patrol()}
}

func (s *Server) MissionsFrame() push.Frame {
	return push.Frame{Type: push.FrameMissions, Data: newList(s.orch.Missions().List())}
}

func (s *Server) DronesFrame(ctx context.Context) push.Frame {
	return push.Frame{Type: push.FrameDrones, Data: s.drones(ctx)}
}

func (s *Server) NoticesFrame() push.Frame {
	return push.Frame{Type: push.FrameNotice, Data: newList(s.notices.List())}
}

func (s *Server) OfflineMapsFrame(page models.OfflineMapPage) push.Frame {
	return push.Frame{Type: push.FrameOfflineMaps, Data: page}
}

// Initial is the state a freshly connected UI client renders from.
func (s *Server) Initial(ctx context.Context) []push.Frame {
	return []push.Frame{
		s.ConnectionFrame(),
		s.AlertsFrame(),
		s.ModalFrame(),
		s.PatrolFrame(),
		s.MissionsFrame(),
		s.DronesFrame(ctx),
		s.NoticesFrame(),
	}
}

// Bind installs the change hooks that feed the push hubs. It must run before
// the live channel, telemetry sources and pollers start.
func (s *Server) Bind() {
	if s.hub == nil {
		return
	}
	s.feed.OnChange = func() { s.hub.Broadcast(s.AlertsFrame()) }
	s.orch.OnChange = func() {
		s.hub.Broadcast(s.ModalFrame())
		s.hub.Broadcast(s.PatrolFrame())
		s.hub.Broadcast(s.MissionsFrame())
	}
	s.notices.OnChange(func() { s.hub.Broadcast(s.NoticesFrame()) })
	if s.maps != nil && s.mapsHub != nil {
		s.maps.OnChange = func(page models.OfflineMapPage) { s.mapsHub.Broadcast(s.OfflineMapsFrame(page)) }
	}
}

// ConnectionChanged is the live channel status hook.
func (s *Server) ConnectionChanged(bool) {
	if s.hub != nil {
		s.hub.Broadcast(s.ConnectionFrame())
	}
}

// TransitionsChanged is the liveness hook; it pushes a fresh drone list on
// every class change.
func (s *Server) TransitionsChanged(ts []liveness.Transition) {
	if s.hub == nil || len(ts) == 0 {
		return
	}
	s.hub.Broadcast(s.DronesFrame(context.Background()))
}

// RunDronePush pushes drone positions at a fixed cadence while any UI client
// is connected. Positions change on every sample, too often to push each one.
func (s *Server) RunDronePush(ctx context.Context, interval time.Duration) {
	if s.hub == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Clients() == 0 {
				continue
			}
			s.hub.Broadcast(s.DronesFrame(ctx))
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug(r.Context(), "ui_ws_connect", "ui client connecting", slog.String("remote_addr", r.RemoteAddr))
	ctx := context.WithoutCancel(r.Context())
	s.hub.ServeWS(w, r, push.ServeOptions{
		Initial: func() []push.Frame { return s.Initial(ctx) },
	})
}

// handleOfflineMapsWS is the owning view of the offline map list: the
// poller is armed while at least one of these sockets is open.
func (s *Server) handleOfflineMapsWS(w http.ResponseWriter, r *http.Request) {
	s.mapsHub.ServeWS(w, r, push.ServeOptions{
		Initial: func() []push.Frame { return []push.Frame{s.OfflineMapsFrame(s.maps.Page())} },
		OnConnect: func(ctx context.Context) func() {
			return s.maps.Attach(ctx)
		},
	})
}
