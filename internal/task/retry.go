package task

import (
	"math/rand"
	"time"

	"github.com/phrazzld/reel-api/internal/domain"
)

// Action is the retry policy's verdict for a failed attempt.
type Action string

// Possible actions.
const (
	// ActionRetry means try the same stage again after Decision.Delay.
	ActionRetry Action = "retry"

	// ActionGiveUp means the item's failure is final; move on.
	ActionGiveUp Action = "give_up"

	// ActionPauseBatch means stop the whole batch; resumption comes from an
	// external signal, not a timer, because the quota reset time is
	// service-defined and unknown here.
	ActionPauseBatch Action = "pause_batch"
)

// Decision pairs an Action with the delay to apply before retrying.
// Delay is meaningful only for ActionRetry.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy maps (attempt count, error class) to a Decision. It is the single
// source of truth for retry behavior; no component duplicates retry logic
// inline.
type Policy struct {
	// MaxAttempts bounds attempts for transient failures.
	MaxAttempts int

	// InvalidMaxAttempts bounds attempts for malformed-response failures,
	// kept lower than MaxAttempts because a persistent format change will
	// not fix itself by retrying.
	InvalidMaxAttempts int

	// BaseBackoff is the delay after the first failed attempt; it doubles
	// per attempt up to MaxBackoff.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// randFloat drives jitter; overridable in tests.
	randFloat func() float64
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		InvalidMaxAttempts: 2,
		BaseBackoff:        time.Second,
		MaxBackoff:         15 * time.Minute,
	}
}

// Decide returns the action for a stage that has failed on its attempt-th
// try (1-based) with the given error class.
func (p Policy) Decide(attempt int, class domain.ErrorClass) Decision {
	switch class {
	case domain.ErrorClassQuotaExceeded:
		return Decision{Action: ActionPauseBatch}

	case domain.ErrorClassNotFound:
		return Decision{Action: ActionGiveUp}

	case domain.ErrorClassInvalid:
		if attempt >= p.InvalidMaxAttempts {
			return Decision{Action: ActionGiveUp}
		}
		return Decision{Action: ActionRetry, Delay: p.backoff(attempt)}

	default: // transient and anything unclassified
		if attempt >= p.MaxAttempts {
			return Decision{Action: ActionGiveUp}
		}
		return Decision{Action: ActionRetry, Delay: p.backoff(attempt)}
	}
}

// backoff computes the exponential delay for the given attempt with ±50%
// jitter, so workers retrying simultaneously do not synchronize into a
// retry storm.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			delay = p.MaxBackoff
			break
		}
	}

	randFloat := p.randFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}

	// Spread the delay across [delay/2, delay*3/2).
	half := delay / 2
	jittered := half + time.Duration(randFloat()*float64(delay))
	if jittered > p.MaxBackoff {
		jittered = p.MaxBackoff
	}
	return jittered
}
