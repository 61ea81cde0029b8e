// Package quota tracks consumption against the quota-limited external
// services. Each service has an independent budget per reset window;
// reservation is refused atomically once the budget is spent, and the
// window rolls over lazily at reservation time.
package quota

import (
	"log/slog"
	"sync"
	"time"
)

// Service identifiers for the two quota-limited external services.
const (
	ServiceMetadata   = "metadata"
	ServiceExtraction = "extraction"
)

// Limit describes one service's budget per reset window.
type Limit struct {
	// Units is the maximum number of quota units per window.
	Units int

	// Window is the duration of one reset window.
	Window time.Duration
}

// budget is the live consumption state for one service and window.
// A new window supersedes the old one rather than mutating it.
type budget struct {
	mu          sync.Mutex
	limit       Limit
	windowStart time.Time
	consumed    int
}

// Tracker answers "may I spend N units now?" for each configured service.
// Budgets for different services never block each other.
type Tracker struct {
	budgets map[string]*budget
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a Tracker for the given per-service limits.
func NewTracker(limits map[string]Limit, logger *slog.Logger) *Tracker {
	budgets := make(map[string]*budget, len(limits))
	for service, limit := range limits {
		budgets[service] = &budget{limit: limit}
	}

	return &Tracker{
		budgets: budgets,
		logger:  logger.With("component", "quota_tracker"),
		now:     time.Now,
	}
}

// SetClock overrides the tracker's time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// TryReserve attempts to reserve units against the service's current window.
// It returns false when the reservation would push consumption past the
// limit, or when the service is unknown. Two concurrent reservations can
// never jointly overshoot the budget.
func (t *Tracker) TryReserve(service string, units int) bool {
	b, ok := t.budgets[service]
	if !ok {
		t.logger.Warn("reservation against unknown service refused", "service", service)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(t.now())

	if b.consumed+units > b.limit.Units {
		t.logger.Debug("quota reservation refused",
			"service", service,
			"requested_units", units,
			"consumed", b.consumed,
			"limit", b.limit.Units)
		return false
	}

	b.consumed += units
	return true
}

// Release returns units that were reserved but never spent, for example
// when a request was built but the call was never sent. Releasing into a
// newer window than the one reserved against is a harmless no-op floor at
// zero.
func (t *Tracker) Release(service string, units int) {
	b, ok := t.budgets[service]
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollover(t.now())

	b.consumed -= units
	if b.consumed < 0 {
		b.consumed = 0
	}
}

// WindowRemaining reports how long until the service's current window
// resets. Unknown services report zero.
func (t *Tracker) WindowRemaining(service string) time.Duration {
	b, ok := t.budgets[service]
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	b.rollover(now)

	remaining := b.windowStart.Add(b.limit.Window).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// rollover supersedes the budget with a fresh window when the current time
// has crossed the window boundary. Caller must hold b.mu.
func (b *budget) rollover(now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.limit.Window {
		b.windowStart = now
		b.consumed = 0
	}
}
