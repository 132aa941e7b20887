package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
}

func (m *memStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return false, m.getErr
	}
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

func TestRememberLoadsOnceThenHits(t *testing.T) {
	store := &memStore{data: map[string][]byte{}}
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"D1", "D2"}, nil
	}

	got, hit, err := Remember(context.Background(), store, "console:roster:drones", time.Minute, load)
	if err != nil || hit || len(got) != 2 {
		t.Fatalf("first call: got=%v hit=%v err=%v", got, hit, err)
	}
	got, hit, err = Remember(context.Background(), store, "console:roster:drones", time.Minute, load)
	if err != nil || !hit || len(got) != 2 {
		t.Fatalf("second call: got=%v hit=%v err=%v", got, hit, err)
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}
}

func TestRememberDegradesWhenCacheFails(t *testing.T) {
	store := &memStore{data: map[string][]byte{}, getErr: errors.New("connection refused")}
	got, hit, err := Remember(context.Background(), store, "k", time.Minute, func(context.Context) (int, error) { return 7, nil })
	if err != nil || hit || got != 7 {
		t.Fatalf("got=%v hit=%v err=%v", got, hit, err)
	}
}

func TestRememberWithoutStore(t *testing.T) {
	_, _, err := Remember[int](context.Background(), nil, "k", time.Minute, func(context.Context) (int, error) { return 0, errors.New("backend down") })
	if err == nil {
		t.Fatalf("expected load error to propagate")
	}
}

func TestRememberSharesConcurrentLoads(t *testing.T) {
	store := &memStore{data: map[string][]byte{}}
	var calls atomic.Int32
	gate := make(chan struct{})
	load := func(context.Context) ([]string, error) {
		calls.Add(1)
		<-gate
		return []string{"S1"}, nil
	}

	var wg sync.WaitGroup
	results := make(chan []string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := Remember(context.Background(), store, "console:roster:sensors", time.Minute, load)
			if err != nil {
				t.Errorf("remember: %v", err)
			}
			results <- got
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	for got := range results {
		if len(got) != 1 || got[0] != "S1" {
			t.Fatalf("unexpected result %v", got)
		}
	}
	if n := calls.Load(); n < 1 || n > 4 {
		t.Fatalf("unexpected load count %d", n)
	}
}

func TestNilClientReportsNotInitialized(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if c.Close() != nil || c.Redis() != nil {
		t.Fatalf("expected nil client to close cleanly")
	}
}
