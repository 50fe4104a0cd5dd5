package ratelimit_test

import (
	"testing"
	"time"

	"github.com/basket/cmdcenter/internal/ratelimit"
)

func TestAllowUnderLimit(t *testing.T) {
	l := ratelimit.New(5)
	for i := 0; i < 5; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d denied under limit", i)
		}
	}
}

func TestDeniesOverLimit(t *testing.T) {
	l := ratelimit.New(3)
	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d denied under limit", i)
		}
	}
	if l.Allow("client-a") {
		t.Fatal("request over limit allowed")
	}
	if got := l.Remaining("client-a"); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
	if l.RetryAfter("client-a") <= 0 {
		t.Fatal("retry-after should be positive when limited")
	}
}

func TestWindowSlides(t *testing.T) {
	l := ratelimit.NewWindowed(2, 100*time.Millisecond)
	if !l.Allow("client-a") || !l.Allow("client-a") {
		t.Fatal("initial requests denied")
	}
	if l.Allow("client-a") {
		t.Fatal("third request allowed inside window")
	}

	time.Sleep(120 * time.Millisecond)

	if !l.Allow("client-a") {
		t.Fatal("request denied after window expired")
	}
}

func TestPerClientIsolation(t *testing.T) {
	l := ratelimit.New(2)
	l.Allow("client-a")
	l.Allow("client-a")
	if l.Allow("client-a") {
		t.Fatal("client-a over limit allowed")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b denied by client-a's window")
	}
}

func TestRemainingCountsDown(t *testing.T) {
	l := ratelimit.New(3)
	if got := l.Remaining("client-a"); got != 3 {
		t.Fatalf("fresh remaining = %d, want 3", got)
	}
	l.Allow("client-a")
	if got := l.Remaining("client-a"); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}
}

func TestEvictStale(t *testing.T) {
	l := ratelimit.New(10)
	for _, key := range []string{"key-1", "key-2", "key-3"} {
		l.Allow(key)
	}
	if l.ClientCount() != 3 {
		t.Fatalf("expected 3 clients, got %d", l.ClientCount())
	}

	// maxAge=0 evicts everything.
	l.EvictStale(0)
	if l.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after full eviction, got %d", l.ClientCount())
	}

	l.Allow("key-a")
	l.Allow("key-b")
	l.EvictStale(time.Hour)
	if l.ClientCount() != 2 {
		t.Fatalf("expected 2 clients after no-op eviction, got %d", l.ClientCount())
	}
}

func TestDefaultsOnBadInput(t *testing.T) {
	l := ratelimit.NewWindowed(0, 0)
	if l.Limit() != 60 {
		t.Fatalf("limit = %d, want default 60", l.Limit())
	}
}
