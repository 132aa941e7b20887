package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"drone-surveillance-console/console/internal/models"
)

var windows = Windows{Liveness: 10 * time.Second, Loss: 60 * time.Second}

func sample(id string, lat float64, ts time.Time) models.TelemetrySample {
	return models.TelemetrySample{DroneID: id, Latitude: lat, Longitude: 77.2, Timestamp: ts}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want models.Liveness
	}{
		{0, models.LivenessLive},
		{9 * time.Second, models.LivenessLive},
		{10 * time.Second, models.LivenessStale},
		{45 * time.Second, models.LivenessStale},
		{60 * time.Second, models.LivenessLost},
		{10 * time.Minute, models.LivenessLost},
	}
	for _, tt := range tests {
		if got := Classify(windows, tt.age); got != tt.want {
			t.Fatalf("Classify(%v) = %s, want %s", tt.age, got, tt.want)
		}
	}
}

func TestStaleThenLostKeepsFirstLossTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D2", 28.6, t0), t0)

	for sec := 1; sec <= 65; sec++ {
		tr.Tick(t0.Add(time.Duration(sec) * time.Second))
		st, _ := tr.Status("D2")
		switch {
		case sec < 10:
			if !st.IsLive || st.ConnectionLossTime != nil {
				t.Fatalf("at %ds expected live without loss time, got %#v", sec, st)
			}
		case sec == 45:
			if !st.IsStale || st.State != models.LivenessStale {
				t.Fatalf("at 45s expected stale, got %#v", st)
			}
		}
	}

	st, ok := tr.Status("D2")
	if !ok {
		t.Fatalf("expected status for D2")
	}
	if !st.HasAlert || st.State != models.LivenessLost {
		t.Fatalf("at 65s expected lost, got %#v", st)
	}
	if st.ConnectionLossTime == nil || !st.ConnectionLossTime.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("expected loss time at t0+10s, got %v", st.ConnectionLossTime)
	}
	if st.IsLive || st.IsStale {
		t.Fatalf("exactly one class must hold, got %#v", st)
	}
}

func TestDecayNeverRegressesWithoutSample(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D1", 28.6, t0), t0)

	tr.Tick(t0.Add(70 * time.Second))
	// A clock step backwards must not revive the drone.
	tr.Tick(t0.Add(5 * time.Second))
	tr.Tick(t0.Add(20 * time.Second))

	st, _ := tr.Status("D1")
	if st.State != models.LivenessLost {
		t.Fatalf("expected lost to stick, got %s", st.State)
	}
}

func TestDirectJumpToLostRecordsLossTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D1", 28.6, t0), t0)

	changes := tr.Tick(t0.Add(90 * time.Second))
	if len(changes) != 1 || changes[0].From != models.LivenessLive || changes[0].To != models.LivenessLost {
		t.Fatalf("unexpected transitions: %#v", changes)
	}
	st, _ := tr.Status("D1")
	if st.ConnectionLossTime == nil || !st.ConnectionLossTime.Equal(t0.Add(90*time.Second)) {
		t.Fatalf("expected loss time at the jump, got %v", st.ConnectionLossTime)
	}
}

func TestNewSampleRevivesImmediately(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D1", 28.6, t0), t0)
	tr.Tick(t0.Add(2 * time.Minute))

	at := t0.Add(2*time.Minute + time.Second)
	tr2, changed := tr.Observe(sample("D1", 28.7, at), at)
	if !changed || tr2.From != models.LivenessLost || tr2.To != models.LivenessLive {
		t.Fatalf("expected lost -> live transition, got %#v (changed=%v)", tr2, changed)
	}
	st, _ := tr.Status("D1")
	if !st.IsLive || st.ConnectionLossTime != nil || !st.LastUpdateTime.Equal(at) {
		t.Fatalf("expected fresh live status, got %#v", st)
	}
	pos, _ := tr.Position("D1")
	if pos.Latitude != 28.7 {
		t.Fatalf("expected position to move, got %#v", pos)
	}
}

func TestLostDroneKeepsLastPosition(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D1", 28.65, t0), t0)
	tr.Tick(t0.Add(5 * time.Minute))

	pos, ok := tr.Position("D1")
	if !ok || pos.Latitude != 28.65 {
		t.Fatalf("lost drone must keep last position, got %#v ok=%v", pos, ok)
	}
}

func TestOutOfOrderSampleRefreshesLivenessOnly(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D1", 28.70, t0.Add(10*time.Second)), t0.Add(10*time.Second))
	tr.Tick(t0.Add(30 * time.Second))

	late := t0.Add(31 * time.Second)
	tr.Observe(sample("D1", 28.60, t0), late)

	pos, _ := tr.Position("D1")
	if pos.Latitude != 28.70 {
		t.Fatalf("older sample must not replace position, got %#v", pos)
	}
	st, _ := tr.Status("D1")
	if !st.IsLive || !st.LastUpdateTime.Equal(late) {
		t.Fatalf("arrival must refresh liveness, got %#v", st)
	}
}

func TestUnknownDroneHasNoStatus(t *testing.T) {
	tr := NewTracker(windows)
	if _, ok := tr.Status("nope"); ok {
		t.Fatalf("expected no status for a drone without samples")
	}
	if _, changed := tr.Observe(models.TelemetrySample{}, time.Now()); changed {
		t.Fatalf("sample without drone id must be ignored")
	}
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestSnapshotAndCounts(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("B", 1, t0), t0)
	tr.Observe(sample("A", 2, t0.Add(40*time.Second)), t0.Add(40*time.Second))
	tr.Observe(sample("C", 3, t0.Add(30*time.Second)), t0.Add(30*time.Second))
	tr.Tick(t0.Add(61 * time.Second))

	snap := tr.Snapshot()
	if len(snap) != 3 || snap[0].DroneID != "A" || snap[2].DroneID != "C" {
		t.Fatalf("expected sorted snapshot, got %#v", snap)
	}
	counts := tr.Counts()
	if counts[models.LivenessLive] != 0 || counts[models.LivenessStale] != 2 || counts[models.LivenessLost] != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
}

func TestRunTicksWithoutEvents(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(windows)
	tr.Observe(sample("D1", 28.6, t0), t0)

	var mu sync.Mutex
	got := make(chan []Transition, 1)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return t0.Add(15 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx, 5*time.Millisecond, clock, func(changes []Transition) {
		select {
		case got <- changes:
		default:
		}
	})

	select {
	case changes := <-got:
		if len(changes) != 1 || changes[0].To != models.LivenessStale {
			t.Fatalf("unexpected transitions: %#v", changes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick loop never reported the stale transition")
	}
}
