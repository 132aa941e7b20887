// Package roster serves the session's drone and sensor snapshots. Each list
// is fetched once, shared through Redis between consoles, and reused for the
// life of the process.
package roster

import (
	"context"
	"sync"
	"time"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/cachex"
)

const (
	KeyDrones  = "console:roster:drones"
	KeySensors = "console:roster:sensors"
)

type Source interface {
	Drones(ctx context.Context) ([]models.Drone, error)
	Sensors(ctx context.Context) ([]models.Sensor, error)
}

type Roster struct {
	src   Source
	cache cachex.JSONStore
	ttl   time.Duration

	mu      sync.RWMutex
	drones  []models.Drone
	sensors []models.Sensor
	haveD   bool
	haveS   bool
}

// New builds a roster. cache may be nil, in which case every first load goes
// to the backend.
func New(src Source, cache cachex.JSONStore, ttl time.Duration) *Roster {
	return &Roster{src: src, cache: cache, ttl: ttl}
}

func (r *Roster) Drones(ctx context.Context) ([]models.Drone, error) {
	r.mu.RLock()
	if r.haveD {
		out := append([]models.Drone(nil), r.drones...)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	drones, _, err := cachex.Remember(ctx, r.cache, KeyDrones, r.ttl, r.src.Drones)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.drones, r.haveD = drones, true
	r.mu.Unlock()
	return append([]models.Drone(nil), drones...), nil
}

func (r *Roster) Sensors(ctx context.Context) ([]models.Sensor, error) {
	r.mu.RLock()
	if r.haveS {
		out := append([]models.Sensor(nil), r.sensors...)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	sensors, _, err := cachex.Remember(ctx, r.cache, KeySensors, r.ttl, r.src.Sensors)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sensors, r.haveS = sensors, true
	r.mu.Unlock()
	return append([]models.Sensor(nil), sensors...), nil
}

func (r *Roster) Drone(ctx context.Context, id string) (models.Drone, bool, error) {
	drones, err := r.Drones(ctx)
	if err != nil {
		return models.Drone{}, false, err
	}
	for _, d := range drones {
		if d.ID == id {
			return d, true, nil
		}
	}
	return models.Drone{}, false, nil
}

func (r *Roster) Sensor(ctx context.Context, id string) (models.Sensor, bool, error) {
	sensors, err := r.Sensors(ctx)
	if err != nil {
		return models.Sensor{}, false, err
	}
	for _, s := range sensors {
		if s.ID == id {
			return s, true, nil
		}
	}
	return models.Sensor{}, false, nil
}

// Invalidate drops the in-process copies. The shared Redis entries expire on
// their own TTL.
func (r *Roster) Invalidate() {
	r.mu.Lock()
	r.drones, r.sensors = nil, nil
	r.haveD, r.haveS = false, false
	r.mu.Unlock()
}
