package bot

import (
	"context"
	"math/rand"
	"time"
)

// Default inter-message delay bounds, in seconds.
const (
	DefaultDelayMinSeconds = 30
	DefaultDelayMaxSeconds = 60
)

// DelayPolicy describes the randomized pause between consecutive
// messages in a batch. No delay is applied after the last target.
type DelayPolicy struct {
	Min time.Duration
	Max time.Duration
}

// DefaultDelay returns the stock 30-60 second policy.
func DefaultDelay() DelayPolicy {
	return DelayPolicy{
		Min: DefaultDelayMinSeconds * time.Second,
		Max: DefaultDelayMaxSeconds * time.Second,
	}
}

// Next picks a uniform random duration in [Min, Max]. A zero or
// inverted policy yields Min.
func (p DelayPolicy) Next() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + time.Duration(rand.Int63n(int64(p.Max-p.Min)))
}

// Sleep waits for the next delay or until ctx is done, whichever
// comes first. Returns false if the context ended the wait.
func (p DelayPolicy) Sleep(ctx context.Context) bool {
	t := time.NewTimer(p.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
