// Package notices holds dismissible operator messages: snapshot failures,
// command failures and the like.
package notices

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

type Notice struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

const DefaultCapacity = 50

type Store struct {
	mu       sync.Mutex
	capacity int
	items    []Notice
	now      func() time.Time
	onChange func()
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, now: time.Now}
}

// OnChange registers a callback run after every add or dismiss, outside the
// store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Add appends a notice, evicting the oldest once capacity is reached.
func (s *Store) Add(level Level, source string, message string) Notice {
	s.mu.Lock()
	n := Notice{
		ID:        uuid.NewString(),
		Level:     level,
		Source:    source,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	s.items = append(s.items, n)
	if len(s.items) > s.capacity {
		s.items = append([]Notice(nil), s.items[len(s.items)-s.capacity:]...)
	}
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return n
}

func (s *Store) Dismiss(id string) bool {
	s.mu.Lock()
	removed := false
	for i, n := range s.items {
		if n.ID == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			removed = true
			break
		}
	}
	fn := s.onChange
	s.mu.Unlock()
	if removed && fn != nil {
		fn()
	}
	return removed
}

// List returns notices newest first.
func (s *Store) List() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.items))
	for i, n := range s.items {
		out[len(s.items)-1-i] = n
	}
	return out
}
