package liveness

import (
	"context"
	"sort"
	"sync"
	"time"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/metricsx"
)

type Windows struct {
	Liveness time.Duration
	Loss     time.Duration
}

// Classify maps a sample age to a liveness class. Ages below the liveness
// window are live, ages below the loss window are stale, the rest lost.
func Classify(w Windows, age time.Duration) models.Liveness {
	switch {
	case age < w.Liveness:
		return models.LivenessLive
	case age < w.Loss:
		return models.LivenessStale
	default:
		return models.LivenessLost
	}
}

func rank(l models.Liveness) int {
	switch l {
	case models.LivenessStale:
		return 1
	case models.LivenessLost:
		return 2
	default:
		return 0
	}
}

// NextStatus re-evaluates st at now without a new sample. The class never
// moves back toward live here; only Observe does that.
func NextStatus(w Windows, st models.DroneStatus, now time.Time) models.DroneStatus {
	next := Classify(w, now.Sub(st.LastUpdateTime))
	if rank(next) < rank(st.State) {
		next = st.State
	}
	if next != models.LivenessLive && st.ConnectionLossTime == nil {
		at := now
		st.ConnectionLossTime = &at
	}
	return withState(st, next)
}

func withState(st models.DroneStatus, l models.Liveness) models.DroneStatus {
	st.State = l
	st.IsLive = l == models.LivenessLive
	st.IsStale = l == models.LivenessStale
	st.HasAlert = l == models.LivenessLost
	return st
}

type Transition struct {
	DroneID string          `json:"droneId"`
	From    models.Liveness `json:"from"`
	To      models.Liveness `json:"to"`
	At      time.Time       `json:"at"`
}

type DroneView struct {
	DroneID  string               `json:"droneId"`
	Position models.DronePosition `json:"position"`
	Status   models.DroneStatus   `json:"status"`
}

type entry struct {
	position models.DronePosition
	status   models.DroneStatus
}

// Tracker owns the position and status maps. Drones that never reported are
// absent rather than lost.
type Tracker struct {
	mu      sync.RWMutex
	windows Windows
	drones  map[string]*entry
}

func NewTracker(w Windows) *Tracker {
	return &Tracker{windows: w, drones: make(map[string]*entry)}
}

// Observe records a sample received at now. Liveness resets to live on every
// arrival; the stored position only moves forward in sample time so a late
// redelivery cannot drag the marker backwards.
func (t *Tracker) Observe(s models.TelemetrySample, now time.Time) (Transition, bool) {
	if s.DroneID == "" {
		return Transition{}, false
	}
	pos := s.Position()
	if pos.Timestamp.IsZero() {
		pos.Timestamp = now
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.drones[s.DroneID]
	if !ok {
		e = &entry{position: pos}
		t.drones[s.DroneID] = e
	} else if !pos.Timestamp.Before(e.position.Timestamp) {
		e.position = pos
	}

	prev := e.status.State
	e.status = withState(models.DroneStatus{
		DroneID:        s.DroneID,
		LastUpdateTime: now,
	}, models.LivenessLive)

	if !ok || prev == models.LivenessLive {
		return Transition{}, false
	}
	return Transition{DroneID: s.DroneID, From: prev, To: models.LivenessLive, At: now}, true
}

// Tick re-evaluates every drone at now and returns the class changes in
// drone id order.
func (t *Tracker) Tick(now time.Time) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for id, e := range t.drones {
		prev := e.status.State
		e.status = NextStatus(t.windows, e.status, now)
		if e.status.State != prev {
			out = append(out, Transition{DroneID: id, From: prev, To: e.status.State, At: now})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DroneID < out[j].DroneID })
	return out
}

func (t *Tracker) Status(droneID string) (models.DroneStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.drones[droneID]
	if !ok {
		return models.DroneStatus{}, false
	}
	return copyStatus(e.status), true
}

func (t *Tracker) Position(droneID string) (models.DronePosition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.drones[droneID]
	if !ok {
		return models.DronePosition{}, false
	}
	return e.position, true
}

func (t *Tracker) Snapshot() []DroneView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DroneView, 0, len(t.drones))
	for id, e := range t.drones {
		out = append(out, DroneView{DroneID: id, Position: e.position, Status: copyStatus(e.status)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DroneID < out[j].DroneID })
	return out
}

func (t *Tracker) Counts() map[models.Liveness]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := map[models.Liveness]int{
		models.LivenessLive:  0,
		models.LivenessStale: 0,
		models.LivenessLost:  0,
	}
	for _, e := range t.drones {
		counts[e.status.State]++
	}
	return counts
}

// Run ticks on interval until ctx is done. onChange, if set, receives each
// non-empty batch of transitions.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, clock func() time.Time, onChange func([]Transition)) {
	if clock == nil {
		clock = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes := t.Tick(clock())
			for state, n := range t.Counts() {
				metricsx.SetDroneLiveness(string(state), n)
			}
			if len(changes) > 0 && onChange != nil {
				onChange(changes)
			}
		}
	}
}

func copyStatus(st models.DroneStatus) models.DroneStatus {
	if st.ConnectionLossTime != nil {
		at := *st.ConnectionLossTime
		st.ConnectionLossTime = &at
	}
	return st
}
