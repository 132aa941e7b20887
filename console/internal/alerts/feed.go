package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/notices"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
	"drone-surveillance-console/shared/workflow"
)

type SnapshotFetcher interface {
	ActiveAlerts(ctx context.Context, fresh bool) ([]models.Alert, error)
}

type Notifier interface {
	Add(level notices.Level, source string, message string) notices.Notice
}

// Feed applies snapshots and live events to an Index.
type Feed struct {
	index    *Index
	fetcher  SnapshotFetcher
	notifier Notifier
	logger   logx.Logger

	// OnResolved runs for every alert-resolved event, present or not, so the
	// decision modal can drop an alert the backend no longer considers active.
	OnResolved func(id string)
	// OnChange runs after any mutation of the index.
	OnChange func()
}

func NewFeed(index *Index, fetcher SnapshotFetcher, notifier Notifier, logger logx.Logger) *Feed {
	return &Feed{
		index:    index,
		fetcher:  fetcher,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "alerts")),
	}
}

func (f *Feed) Index() *Index { return f.index }

func (f *Feed) Lookup(id string) (models.Alert, bool) {
	return f.index.Get(id)
}

// Load replaces the index with the backend's active set. Live events handled
// while the fetch is outstanding win over the snapshot. On failure the list
// keeps only alerts pushed during the fetch and a notice is raised; there is
// no retry.
func (f *Feed) Load(ctx context.Context, fresh bool) error {
	epoch := f.index.BeginLoad()
	snapshot, err := f.fetcher.ActiveAlerts(ctx, fresh)
	if err != nil {
		f.index.Commit(epoch, nil)
		f.changed()
		metricsx.IncAlertEvent("snapshot", "failed")
		f.logger.Error(ctx, "alert_snapshot_failed", "failed to load active alerts",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		if f.notifier != nil {
			f.notifier.Add(notices.LevelError, "alerts", "Failed to load active alerts: "+err.Error())
		}
		return fmt.Errorf("load active alerts: %w", err)
	}

	active := make([]models.Alert, 0, len(snapshot))
	for _, a := range snapshot {
		if workflow.IsResolved(a.Status) {
			continue
		}
		active = append(active, a)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	f.index.Commit(epoch, active)
	f.changed()
	metricsx.IncAlertEvent("snapshot", "loaded")
	f.logger.Info(ctx, "alert_snapshot_loaded", "active alerts loaded", slog.Int("count", f.index.Len()))
	return nil
}

func (f *Feed) HandleActive(ctx context.Context, a models.Alert) {
	if a.Status == "" {
		a.Status = workflow.AlertStatusActive
	}
	a.Status = workflow.NormalizeAlertStatus(a.Status)
	if !f.index.InsertIfAbsent(a) {
		metricsx.IncAlertEvent("alert-active", "duplicate")
		f.logger.Debug(ctx, "alert_duplicate", "duplicate alert-active ignored", slog.String("alert_id", a.ID))
		return
	}
	metricsx.IncAlertEvent("alert-active", "inserted")
	f.logger.Info(ctx, "alert_active", "alert added",
		slog.String("alert_id", a.ID),
		slog.String("sensor_id", a.SensorID),
	)
	f.changed()
}

func (f *Feed) HandleResolved(ctx context.Context, r models.AlertResolved) {
	status := workflow.NormalizeAlertStatus(r.Status)
	if !workflow.CanTransition(workflow.AlertStatusActive, status) {
		f.logger.Warn(ctx, "alert_resolved_unknown_status", "resolving alert with unexpected status",
			slog.String("alert_id", r.ID),
			slog.String("status", r.Status),
		)
	}

	_, removed := f.index.Remove(r.ID)
	if f.OnResolved != nil {
		f.OnResolved(r.ID)
	}
	if !removed {
		metricsx.IncAlertEvent("alert-resolved", "absent")
		f.logger.Debug(ctx, "alert_resolved_absent", "alert-resolved for absent alert", slog.String("alert_id", r.ID))
		return
	}
	metricsx.IncAlertEvent("alert-resolved", "removed")
	f.logger.Info(ctx, "alert_resolved", "alert resolved",
		slog.String("alert_id", r.ID),
		slog.String("status", status),
	)
	f.changed()
}

// RemoveOptimistic is the command-success path. It converges with
// HandleResolved on the same Index.Remove.
func (f *Feed) RemoveOptimistic(ctx context.Context, id string) bool {
	_, removed := f.index.Remove(id)
	if removed {
		metricsx.IncAlertEvent("optimistic-remove", "removed")
		f.changed()
	}
	return removed
}

func (f *Feed) changed() {
	metricsx.SetActiveAlerts(f.index.Len())
	if f.OnChange != nil {
		f.OnChange()
	}
}
