package mission

import (
	"sort"
	"sync"
	"time"

	"drone-surveillance-console/console/internal/models"
	"drone-surveillance-console/shared/metricsx"
)

const (
	MissionStatusCompleted = "COMPLETED"
	MissionStatusAborted   = "ABORTED"
	MissionStatusExpired   = "EXPIRED"
)

// Missions tracks dispatched drones until an external complete/abort
// signal arrives. One mission per drone; a new dispatch replaces the old one.
type Missions struct {
	mu   sync.RWMutex
	byID map[string]models.ActiveMission
}

func NewMissions() *Missions {
	return &Missions{byID: make(map[string]models.ActiveMission)}
}

func (m *Missions) Start(ms models.ActiveMission) {
	m.mu.Lock()
	m.byID[ms.DroneID] = ms
	n := len(m.byID)
	m.mu.Unlock()
	metricsx.SetActiveMissions(n)
}

// End removes the drone's mission. It reports false when none was active.
func (m *Missions) End(droneID string) (models.ActiveMission, bool) {
	m.mu.Lock()
	ms, ok := m.byID[droneID]
	if ok {
		delete(m.byID, droneID)
	}
	n := len(m.byID)
	m.mu.Unlock()
	metricsx.SetActiveMissions(n)
	return ms, ok
}

// EndIf removes the drone's mission only when it is the one that started at
// startedAt. A redispatch in between keeps the newer mission.
func (m *Missions) EndIf(droneID string, startedAt time.Time) (models.ActiveMission, bool) {
	m.mu.Lock()
	ms, ok := m.byID[droneID]
	if ok && ms.StartedAt.Equal(startedAt) {
		delete(m.byID, droneID)
	} else {
		ok = false
	}
	n := len(m.byID)
	m.mu.Unlock()
	metricsx.SetActiveMissions(n)
	return ms, ok
}

func (m *Missions) Get(droneID string) (models.ActiveMission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.byID[droneID]
	return ms, ok
}

func (m *Missions) List() []models.ActiveMission {
	m.mu.RLock()
	out := make([]models.ActiveMission, 0, len(m.byID))
	for _, ms := range m.byID {
		out = append(out, ms)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
