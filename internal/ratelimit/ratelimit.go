// Package ratelimit implements a per-client sliding-window rate limiter.
// Each client keeps the timestamps of its requests inside the window; a
// request is allowed when fewer than limit timestamps remain after pruning.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// window tracks one client's request timestamps. gone is set under mu when
// EvictStale removes the window from the map, so a caller holding a stale
// pointer re-fetches instead of recording into an orphan.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastAccess time.Time
	gone       bool
}

// prune drops timestamps outside the window. Timestamps are appended in
// order, so the live suffix starts at the first in-window entry.
func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	keep := 0
	for keep < len(w.timestamps) && !w.timestamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[keep:]...)
	}
}

// Limiter enforces a request cap per client over a sliding window.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	limit   int
	span    time.Duration
}

// New creates a limiter allowing requestsPerMinute requests per client over a
// one-minute sliding window.
func New(requestsPerMinute int) *Limiter {
	return NewWindowed(requestsPerMinute, time.Minute)
}

// NewWindowed creates a limiter with an explicit window span.
func NewWindowed(limit int, span time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if span <= 0 {
		span = time.Minute
	}
	return &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		span:    span,
	}
}

// Allow reports whether clientID may make a request now, recording it if so.
func (l *Limiter) Allow(clientID string) bool {
	now := time.Now()
	var admitted bool
	l.withWindow(clientID, func(w *window) {
		w.lastAccess = now
		w.prune(now, l.span)
		if len(w.timestamps) < l.limit {
			w.timestamps = append(w.timestamps, now)
			admitted = true
		}
	})
	return admitted
}

// Remaining returns how many requests clientID has left in the current window.
func (l *Limiter) Remaining(clientID string) int {
	remaining := l.limit
	l.withWindow(clientID, func(w *window) {
		w.prune(time.Now(), l.span)
		remaining = l.limit - len(w.timestamps)
	})
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RetryAfter returns how long clientID must wait before a request would be
// admitted, zero if it would be admitted now.
func (l *Limiter) RetryAfter(clientID string) time.Duration {
	var wait time.Duration
	l.withWindow(clientID, func(w *window) {
		now := time.Now()
		w.prune(now, l.span)
		if len(w.timestamps) < l.limit {
			return
		}
		oldest := w.timestamps[len(w.timestamps)-l.limit]
		wait = oldest.Add(l.span).Sub(now)
	})
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Limit returns the per-window request cap.
func (l *Limiter) Limit() int {
	return l.limit
}

// StartEviction launches a background goroutine that periodically removes
// windows with no requests in the last maxAge. This prevents unbounded memory
// growth from unique client identities.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes windows that have not been accessed within maxAge.
func (l *Limiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, w := range l.windows {
		w.mu.Lock()
		if w.lastAccess.Before(cutoff) {
			w.gone = true
			delete(l.windows, key)
			evicted++
		}
		w.mu.Unlock()
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.windows))
	}
}

// ClientCount returns the number of tracked clients (for testing/metrics).
func (l *Limiter) ClientCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// withWindow runs fn with the client's live window locked. getWindow can race
// with EvictStale and hand back a window already removed from the map; the
// gone flag detects that and the lookup is retried.
func (l *Limiter) withWindow(key string, fn func(w *window)) {
	for {
		w := l.getWindow(key)
		w.mu.Lock()
		if w.gone {
			w.mu.Unlock()
			continue
		}
		fn(w)
		w.mu.Unlock()
		return
	}
}

// getWindow returns the window for the given client, creating one if needed.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock.
	if w, exists = l.windows[key]; exists {
		return w
	}

	w = &window{}
	l.windows[key] = w
	return w
}
