package ratelimit_test

import (
	"testing"
	"time"

	"github.com/omnibridge/omnibridge/internal/ratelimit"
)

// fakeClock steps time manually.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*ratelimit.Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return ratelimit.NewWithClock(clock.now), clock
}

func TestAllow_CeilingExact(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 20; i++ {
		if d := l.Allow("contractor@ext", 20); !d.Allowed {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
	}

	d := l.Allow("contractor@ext", 20)
	if d.Allowed {
		t.Fatal("request 21 admitted, want rejected")
	}
	if d.Count != 20 {
		t.Errorf("Count = %d, want 20", d.Count)
	}
}

func TestAllow_ResetTime(t *testing.T) {
	l, clock := newTestLimiter()
	start := clock.t

	// 20 requests spread over 50 minutes.
	for i := 0; i < 20; i++ {
		if d := l.Allow("contractor@ext", 20); !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
		clock.advance(150 * time.Second)
	}

	d := l.Allow("contractor@ext", 20)
	if d.Allowed {
		t.Fatal("21st request admitted, want rejected")
	}

	// Reset is when the first request leaves the window: start + 1h,
	// about 10 minutes from "now" (start + 50 min).
	wantReset := start.Add(time.Hour)
	if !d.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, wantReset)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Allow("alice@x", 5)
	}
	if d := l.Allow("alice@x", 5); d.Allowed {
		t.Fatal("6th request admitted inside window")
	}

	clock.advance(time.Hour + time.Second)
	if d := l.Allow("alice@x", 5); !d.Allowed {
		t.Fatal("request rejected after window slid past all prior requests")
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 1000; i++ {
		if d := l.Allow("admin@x", 0); !d.Allowed {
			t.Fatalf("unlimited role rejected at request %d", i+1)
		}
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		l.Allow("alice@x", 10)
	}

	remaining, count := l.Remaining("alice@x", 10)
	if remaining != 7 || count != 3 {
		t.Errorf("Remaining() = (%d, %d), want (7, 3)", remaining, count)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.Allow("alice@x", 5)
	}
	if d := l.Allow("alice@x", 5); d.Allowed {
		t.Fatal("expected rejection before reset")
	}

	l.Reset("alice@x")
	if d := l.Allow("alice@x", 5); !d.Allowed {
		t.Fatal("expected admission after reset")
	}
}
