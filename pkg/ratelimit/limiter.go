// Package ratelimit provides an in-process, per-key sliding-window limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most limit events per key within any window-long span.
// Each key gets an independent window.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	span    time.Duration
}

// window tracks the times of the allowed events still inside the span.
type window struct {
	events []time.Time
}

// New creates a limiter allowing limit events per key per span.
// Non-positive arguments fall back to 5 events per minute.
func New(limit int, span time.Duration) *Limiter {
	if limit <= 0 {
		limit = 5
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

// Allow records an event for key if permitted. It returns false and the
// time until the oldest counted event leaves the window otherwise.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	return l.allowAt(key, time.Now())
}

// allowAt is the testable core of Allow that accepts a "now" parameter.
func (l *Limiter) allowAt(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.trim(now.Add(-l.span))

	if len(w.events) >= l.limit {
		return false, w.events[0].Add(l.span).Sub(now)
	}

	w.events = append(w.events, now)
	return true, 0
}

// Forget drops the window of key, e.g. once the protected resource is gone.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Prune removes windows with no events newer than the span.
func (l *Limiter) Prune() int {
	return l.pruneAt(time.Now())
}

func (l *Limiter) pruneAt(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := now.Add(-l.span)
	for k, w := range l.windows {
		w.trim(cutoff)
		if len(w.events) == 0 {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Reset removes all tracked windows. Useful for testing.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

// trim drops events at or before cutoff. Events are kept in arrival order.
func (w *window) trim(cutoff time.Time) {
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
