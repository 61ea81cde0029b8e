package quota

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(limits map[string]Limit) *Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(limits, logger)
}

func TestTryReserve(t *testing.T) {
	t.Run("reserves within budget", func(t *testing.T) {
		tracker := newTestTracker(map[string]Limit{
			ServiceMetadata: {Units: 10, Window: time.Hour},
		})

		assert.True(t, tracker.TryReserve(ServiceMetadata, 4))
		assert.True(t, tracker.TryReserve(ServiceMetadata, 6))
	})

	t.Run("refuses reservation that would overflow", func(t *testing.T) {
		tracker := newTestTracker(map[string]Limit{
			ServiceMetadata: {Units: 10, Window: time.Hour},
		})

		require.True(t, tracker.TryReserve(ServiceMetadata, 8))
		assert.False(t, tracker.TryReserve(ServiceMetadata, 3))

		// Refusal must not consume anything.
		assert.True(t, tracker.TryReserve(ServiceMetadata, 2))
	})

	t.Run("refuses unknown service", func(t *testing.T) {
		tracker := newTestTracker(map[string]Limit{})
		assert.False(t, tracker.TryReserve("billing", 1))
	})

	t.Run("services do not share budgets", func(t *testing.T) {
		tracker := newTestTracker(map[string]Limit{
			ServiceMetadata:   {Units: 1, Window: time.Hour},
			ServiceExtraction: {Units: 1, Window: time.Hour},
		})

		require.True(t, tracker.TryReserve(ServiceMetadata, 1))
		assert.True(t, tracker.TryReserve(ServiceExtraction, 1))
	})
}

func TestWindowRollover(t *testing.T) {
	tracker := newTestTracker(map[string]Limit{
		ServiceMetadata: {Units: 5, Window: time.Minute},
	})

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return current })

	for i := 0; i < 5; i++ {
		require.True(t, tracker.TryReserve(ServiceMetadata, 1))
	}
	require.False(t, tracker.TryReserve(ServiceMetadata, 1))

	// Crossing into a new window resets consumption.
	current = current.Add(time.Minute)
	assert.True(t, tracker.TryReserve(ServiceMetadata, 5))
}

func TestRelease(t *testing.T) {
	tracker := newTestTracker(map[string]Limit{
		ServiceExtraction: {Units: 3, Window: time.Hour},
	})

	require.True(t, tracker.TryReserve(ServiceExtraction, 3))
	require.False(t, tracker.TryReserve(ServiceExtraction, 1))

	tracker.Release(ServiceExtraction, 2)
	assert.True(t, tracker.TryReserve(ServiceExtraction, 2))

	// Releasing more than consumed floors at zero instead of going negative.
	tracker.Release(ServiceExtraction, 100)
	assert.True(t, tracker.TryReserve(ServiceExtraction, 3))
}

func TestWindowRemaining(t *testing.T) {
	tracker := newTestTracker(map[string]Limit{
		ServiceMetadata: {Units: 5, Window: 10 * time.Minute},
	})

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return current })

	require.True(t, tracker.TryReserve(ServiceMetadata, 1))

	current = current.Add(4 * time.Minute)
	assert.Equal(t, 6*time.Minute, tracker.WindowRemaining(ServiceMetadata))

	assert.Equal(t, time.Duration(0), tracker.WindowRemaining("billing"))
}

func TestConcurrentReservationNeverOverflows(t *testing.T) {
	const limit = 100
	tracker := newTestTracker(map[string]Limit{
		ServiceMetadata: {Units: limit, Window: time.Hour},
	})

	var successes atomic.Int64
	var wg sync.WaitGroup

	// 50 goroutines each trying to reserve 5 units 10 times: 2500 requested
	// units against a budget of 100.
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if tracker.TryReserve(ServiceMetadata, 5) {
					successes.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit/5), successes.Load(),
		"successful reservations must exactly exhaust the budget, never exceed it")
	assert.False(t, tracker.TryReserve(ServiceMetadata, 1))
}
