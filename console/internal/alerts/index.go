package alerts

import (
	"sync"

	"drone-surveillance-console/console/internal/models"
)

// Index is the active-alert list, newest first, at most one entry per id.
// It is the only writer of that list; everyone else reads copies.
type Index struct {
	mu     sync.RWMutex
	items  []models.Alert
	byID   map[string]struct{}
	epochs map[*LoadEpoch]struct{}
}

// LoadEpoch records the ids inserted and removed by live events while a
// snapshot fetch is outstanding, so the snapshot cannot undo them.
type LoadEpoch struct {
	inserted map[string]struct{}
	removed  map[string]struct{}
}

func NewIndex() *Index {
	return &Index{byID: make(map[string]struct{}), epochs: make(map[*LoadEpoch]struct{})}
}

// BeginLoad opens an epoch. Every BeginLoad must be paired with Commit.
func (x *Index) BeginLoad() *LoadEpoch {
	e := &LoadEpoch{inserted: map[string]struct{}{}, removed: map[string]struct{}{}}
	x.mu.Lock()
	x.epochs[e] = struct{}{}
	x.mu.Unlock()
	return e
}

// Commit closes e and installs snapshot merged with what happened during the
// fetch: alerts inserted live stay at the head in their current order, and
// snapshot entries removed live are dropped.
func (x *Index) Commit(e *LoadEpoch, snapshot []models.Alert) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.epochs, e)

	items := make([]models.Alert, 0, len(snapshot)+len(e.inserted))
	byID := make(map[string]struct{}, cap(items))
	for _, a := range x.items {
		if _, live := e.inserted[a.ID]; live {
			byID[a.ID] = struct{}{}
			items = append(items, a)
		}
	}
	for _, a := range snapshot {
		if a.ID == "" {
			continue
		}
		if _, gone := e.removed[a.ID]; gone {
			continue
		}
		if _, dup := byID[a.ID]; dup {
			continue
		}
		byID[a.ID] = struct{}{}
		items = append(items, a)
	}
	x.items = items
	x.byID = byID
}

// InsertIfAbsent puts a at the head unless its id is already present.
func (x *Index) InsertIfAbsent(a models.Alert) bool {
	if a.ID == "" {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.byID[a.ID]; ok {
		return false
	}
	x.items = append([]models.Alert{a}, x.items...)
	x.byID[a.ID] = struct{}{}
	for e := range x.epochs {
		e.inserted[a.ID] = struct{}{}
	}
	return true
}

// Remove deletes id. Removing an absent id is a no-op that returns false.
func (x *Index) Remove(id string) (models.Alert, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for e := range x.epochs {
		e.removed[id] = struct{}{}
		delete(e.inserted, id)
	}
	if _, ok := x.byID[id]; !ok {
		return models.Alert{}, false
	}
	delete(x.byID, id)
	for i, a := range x.items {
		if a.ID == id {
			x.items = append(x.items[:i:i], x.items[i+1:]...)
			return a, true
		}
	}
	return models.Alert{}, false
}

func (x *Index) Get(id string) (models.Alert, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if _, ok := x.byID[id]; !ok {
		return models.Alert{}, false
	}
	for _, a := range x.items {
		if a.ID == id {
			return a, true
		}
	}
	return models.Alert{}, false
}

func (x *Index) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.byID[id]
	return ok
}

func (x *Index) List() []models.Alert {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]models.Alert, len(x.items))
	copy(out, x.items)
	return out
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}
