package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(burst int, interval time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(burst, interval)
	l.SetClock(clock.Now)
	return l, clock
}

func TestOneRequestPerInterval(t *testing.T) {
	l, clock := newLimiter(1, 2*time.Second)

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{0, false},
		{time.Second, false},
		{time.Second, true},
		{500 * time.Millisecond, false},
		{10 * time.Second, true},
		{0, false},
	}
	for i, s := range steps {
		clock.Advance(s.advance)
		if got := l.Allow("10.5.50.20"); got != s.want {
			t.Fatalf("step %d: Allow = %v, want %v", i, got, s.want)
		}
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(1, 2*time.Second)
	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("first request per key should pass")
	}
	if l.Allow("a") {
		t.Fatal("second request for a should be limited")
	}
}

func TestBurst(t *testing.T) {
	l, _ := newLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should pass", i)
		}
	}
	if l.Allow("k") {
		t.Fatal("burst exceeded")
	}
}

func TestConcurrentAllowSingleToken(t *testing.T) {
	l, _ := newLimiter(1, time.Hour)
	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()
	if passed.Load() != 1 {
		t.Fatalf("%d requests passed, want 1", passed.Load())
	}
}

func TestPrune(t *testing.T) {
	l, clock := newLimiter(1, 2*time.Second)
	l.Allow("old")
	clock.Advance(time.Minute)
	l.Allow("fresh")

	if n := l.Prune(30 * time.Second); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
	// "fresh" is still limited.
	if l.Allow("fresh") {
		t.Fatal("pruning must not reset active buckets")
	}
}
