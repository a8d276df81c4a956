package engine

import (
	"math/rand"
	"sync"
	"time"
)

// ReconnectPolicy selects how retry delays grow.
type ReconnectPolicy int

const (
	// PolicyExponential doubles the delay on every attempt up to MaxDelay
	PolicyExponential ReconnectPolicy = iota
	// PolicyLinear waits Interval between attempts
	PolicyLinear
)

func (p ReconnectPolicy) String() string {
	switch p {
	case PolicyExponential:
		return "exponential"
	case PolicyLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// Backoff computes retry delays. It is safe for concurrent use.
type Backoff struct {
	Policy   ReconnectPolicy
	Interval time.Duration
	MaxDelay time.Duration
	Jitter   bool

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewBackoff creates a Backoff with jitter enabled.
func NewBackoff(policy ReconnectPolicy, interval, maxDelay time.Duration) *Backoff {
	return &Backoff{
		Policy:   policy,
		Interval: interval,
		MaxDelay: maxDelay,
		Jitter:   true,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (starting at 1).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Interval
	if b.Policy == PolicyExponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if b.MaxDelay > 0 && delay >= b.MaxDelay {
				delay = b.MaxDelay
				break
			}
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	if b.Jitter && delay >= 4 {
		// Add up to 25% jitter
		b.randMu.Lock()
		if b.rand == nil {
			b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		jitter := time.Duration(b.rand.Int63n(int64(delay / 4)))
		b.randMu.Unlock()
		delay += jitter
	}
	return delay
}
