package outreach

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Budget is the outreach action budget. A zero field is unlimited.
type Budget struct {
	PerMinute int
	PerHour   int
	PerCycle  int
}

// Limiter is consulted before every send. A denied reservation defers the
// send to a later cycle.
type Limiter interface {
	// Reserve takes one slot when every window has room and reports whether
	// it did.
	Reserve(ctx context.Context) (bool, error)
	// StartCycle resets the per-cycle cap.
	StartCycle()
}

// WindowLimiter keeps sliding windows of send timestamps in memory. It is
// safe for concurrent use.
type WindowLimiter struct {
	mu     sync.Mutex
	budget Budget
	minute []time.Time
	hour   []time.Time
	cycle  int
	now    func() time.Time
}

func NewWindowLimiter(b Budget) *WindowLimiter {
	return &WindowLimiter{budget: b, now: time.Now}
}

// Seed loads earlier sends, typically the last hour of the lead log, so the
// hourly cap holds across restarts.
func (w *WindowLimiter) Seed(sent []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for _, t := range sent {
		if now.Sub(t) < time.Hour {
			w.hour = append(w.hour, t)
		}
		if now.Sub(t) < time.Minute {
			w.minute = append(w.minute, t)
		}
	}
	byTime := func(a, b time.Time) int { return a.Compare(b) }
	slices.SortFunc(w.hour, byTime)
	slices.SortFunc(w.minute, byTime)
}

func (w *WindowLimiter) Reserve(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.minute = prune(w.minute, now.Add(-time.Minute))
	w.hour = prune(w.hour, now.Add(-time.Hour))

	if full(w.cycle, w.budget.PerCycle) || full(len(w.minute), w.budget.PerMinute) || full(len(w.hour), w.budget.PerHour) {
		return false, nil
	}
	w.cycle++
	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)
	return true, nil
}

func (w *WindowLimiter) StartCycle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cycle = 0
}

// prune drops timestamps at or before cutoff. ts is in ascending order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}

func full(used, limit int) bool {
	return limit > 0 && used >= limit
}
