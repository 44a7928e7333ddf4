package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy bounds how often a failed work item is re-selected and how long it waits between
// attempts. MaxAttempts is the item's retry budget: the failure that brings retry_count to
// MaxAttempts poisons the item.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            float64
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("maxAttempts must be >= 1")
	case p.InitialDelay < 0:
		return errors.New("initialDelay must be >= 0")
	case p.BackoffMultiplier < 1:
		return errors.New("backoffMultiplier must be >= 1")
	case p.MaxDelay < p.InitialDelay:
		return errors.New("maxDelay must be >= initialDelay")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("jitter must be between 0 and 1")
	}
	return nil
}

// Exhausted reports whether an item that has now failed retryCount times is poison.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}

// Backoff is how long an item that has failed retryCount times stays out of next_batch.
// The first failure waits InitialDelay; each later one multiplies it, capped at MaxDelay.
func (p Policy) Backoff(retryCount int, rng *rand.Rand) time.Duration {
	if retryCount < 1 || p.InitialDelay <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount-1))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter > 0 && rng != nil {
		delay *= 1 + (rng.Float64()*2-1)*p.Jitter
	}
	return time.Duration(math.Max(delay, 0))
}

// AvailableAt is the earliest time a failed item may be selected again.
func (p Policy) AvailableAt(now time.Time, retryCount int, rng *rand.Rand) time.Time {
	return now.Add(p.Backoff(retryCount, rng))
}
