// Package offlinemap backs the offline map screen. It proxies CRUD to the
// backend and keeps the current page fresh by polling while any map is still
// being prepared and someone is watching.
package offlinemap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/console/internal/polling"
	"drone-surveillance-console/shared/logx"
)

var ErrInvalidRequest = errors.New("invalid offline map request")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Backend interface {
	ListOfflineMaps(ctx context.Context, q models.OfflineMapQuery) (models.OfflineMapPage, error)
	CreateOfflineMap(ctx context.Context, req models.OfflineMapCreate) (models.OfflineMap, error)
	SetActiveOfflineMap(ctx context.Context, id string) (models.OfflineMap, error)
	DeleteOfflineMap(ctx context.Context, id string) error
}

type View struct {
	api    Backend
	logger logx.Logger
	guard  *polling.Guard

	mu      sync.Mutex
	query   models.OfflineMapQuery
	page    models.OfflineMapPage
	viewers int
	// issued counts List calls; queryGen is the one that set query. A page
	// fetched for an older generation is discarded.
	issued   uint64
	queryGen uint64

	// OnChange receives every refreshed page.
	OnChange func(models.OfflineMapPage)
}

func NewView(api Backend, interval time.Duration, logger logx.Logger) *View {
	v := &View{
		api:    api,
		logger: logger.With(slog.String("component", "offlinemap")),
		query:  models.OfflineMapQuery{Page: 1, PageSize: defaultPageSize},
		page:   models.OfflineMapPage{Items: []models.OfflineMap{}},
	}
	v.guard = polling.NewGuard(interval, v.refresh, logger)
	return v
}

func NormalizeQuery(q models.OfflineMapQuery) models.OfflineMapQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	q.Status = strings.ToLower(strings.TrimSpace(q.Status))
	return q
}

// List fetches a page and makes its query the one the poller refreshes.
func (v *View) List(ctx context.Context, q models.OfflineMapQuery) (models.OfflineMapPage, error) {
	q = NormalizeQuery(q)
	if q.Status != "" && !validStatus(q.Status) {
		return models.OfflineMapPage{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, q.Status)
	}
	v.mu.Lock()
	v.issued++
	gen := v.issued
	v.mu.Unlock()

	page, err := v.api.ListOfflineMaps(ctx, q)
	if err != nil {
		return models.OfflineMapPage{}, err
	}
	v.mu.Lock()
	if gen > v.queryGen {
		v.query, v.queryGen = q, gen
	}
	v.mu.Unlock()
	v.store(page, gen)
	return page, nil
}

func (v *View) Create(ctx context.Context, req models.OfflineMapCreate) (models.OfflineMap, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return models.OfflineMap{}, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if req.MinZoom < 0 || req.MaxZoom < req.MinZoom {
		return models.OfflineMap{}, fmt.Errorf("%w: zoom range %d..%d", ErrInvalidRequest, req.MinZoom, req.MaxZoom)
	}
	if len(req.Bounds) != 0 && len(req.Bounds) != 4 {
		return models.OfflineMap{}, fmt.Errorf("%w: bounds must be [west,south,east,north]", ErrInvalidRequest)
	}
	m, err := v.api.CreateOfflineMap(ctx, req)
	if err != nil {
		return models.OfflineMap{}, err
	}
	v.logger.Info(ctx, "offline_map_created", "offline map created", slog.String("map_id", m.ID))
	v.refreshQuietly(ctx)
	return m, nil
}

func (v *View) SetActive(ctx context.Context, id string) (models.OfflineMap, error) {
	if strings.TrimSpace(id) == "" {
		return models.OfflineMap{}, fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	m, err := v.api.SetActiveOfflineMap(ctx, id)
	if err != nil {
		return models.OfflineMap{}, err
	}
	v.refreshQuietly(ctx)
	return m, nil
}

func (v *View) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	if err := v.api.DeleteOfflineMap(ctx, id); err != nil {
		return err
	}
	v.logger.Info(ctx, "offline_map_deleted", "offline map deleted", slog.String("map_id", id))
	v.refreshQuietly(ctx)
	return nil
}

// Attach registers a viewer and returns its detach func. The poller only
// runs while at least one viewer is attached.
func (v *View) Attach(ctx context.Context) func() {
	v.mu.Lock()
	v.viewers++
	v.mu.Unlock()
	v.guard.PollOnce(ctx)
	v.evaluate()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			v.viewers--
			v.mu.Unlock()
			v.evaluate()
		})
	}
}

func (v *View) Page() models.OfflineMapPage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copyPage(v.page)
}

func (v *View) Polling() bool {
	return v.guard.Running()
}

func (v *View) Close() {
	v.guard.Close()
}

func (v *View) refresh(ctx context.Context) error {
	v.mu.Lock()
	q, gen := v.query, v.queryGen
	v.mu.Unlock()
	page, err := v.api.ListOfflineMaps(ctx, q)
	if err != nil {
		return err
	}
	v.store(page, gen)
	return nil
}

func (v *View) refreshQuietly(ctx context.Context) {
	if err := v.refresh(ctx); err != nil {
		v.logger.Warn(ctx, "offline_map_refresh_failed", "failed to refresh offline maps",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	}
}

// store installs page unless a newer query has taken over since it was
// requested.
func (v *View) store(page models.OfflineMapPage, gen uint64) {
	if page.Items == nil {
		page.Items = []models.OfflineMap{}
	}
	v.mu.Lock()
	if gen < v.queryGen {
		v.mu.Unlock()
		v.logger.Debug(context.Background(), "offline_map_page_stale", "dropping page for a superseded query")
		return
	}
	v.page = copyPage(page)
	v.mu.Unlock()
	v.evaluate()
	if v.OnChange != nil {
		v.OnChange(copyPage(page))
	}
}

func (v *View) evaluate() {
	v.mu.Lock()
	active := v.viewers > 0 && anyInProgress(v.page.Items)
	v.mu.Unlock()
	v.guard.Evaluate(active)
}

func anyInProgress(items []models.OfflineMap) bool {
	for _, m := range items {
		if strings.EqualFold(m.Status, models.OfflineMapStatusInProgress) {
			return true
		}
	}
	return false
}

func validStatus(s string) bool {
	switch s {
	case models.OfflineMapStatusPending, models.OfflineMapStatusInProgress, models.OfflineMapStatusCompleted, models.OfflineMapStatusFailed:
		return true
	}
	return false
}

func copyPage(p models.OfflineMapPage) models.OfflineMapPage {
	items := append([]models.OfflineMap{}, p.Items...)
	return models.OfflineMapPage{Items: items, Total: p.Total}
}
