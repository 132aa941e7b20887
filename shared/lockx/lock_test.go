package lockx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilLockerRefuses(t *testing.T) {
	var l *Locker
	release, ok, err := l.TryLock(context.Background(), "A1")
	if release != nil || ok || !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
}

func TestLockerWithoutRedisRefuses(t *testing.T) {
	l := NewLocker(nil, "console:action:", 0)
	if l.ttl != 10*time.Second {
		t.Fatalf("expected default ttl, got %v", l.ttl)
	}
	if _, ok, err := l.TryLock(context.Background(), "A1"); ok || !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
}
