package connection

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Phase is the lifecycle stage of the realtime connection.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Open
	Reconnecting
)

// String returns the string representation of Phase
func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is a snapshot of the connection lifecycle.
//
// Attempt and Delay describe the pending reconnection while Reconnecting,
// and the attempt being dialed while Connecting after an outage.
// Exhausted is set on the terminal Disconnected state reached when the
// reconnection attempts ran out.
type State struct {
	Phase     Phase
	Attempt   int
	Delay     time.Duration
	Exhausted bool
}

func (s State) String() string {
	switch {
	case s.Phase == Reconnecting:
		return fmt.Sprintf("reconnecting (attempt %d in %s)", s.Attempt, s.Delay)
	case s.Phase == Disconnected && s.Exhausted:
		return "disconnected (gave up)"
	default:
		return s.Phase.String()
	}
}

// Backoff is the reconnection policy: attempt n waits
// min(BaseDelay * Factor^(n-1), MaxDelay), and no attempt is made past
// MaxAttempts.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultBackoff returns the 1s/2x/30s policy with five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given 1-indexed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	s := b.schedule()
	delay := s.NextBackOff()
	for n := 1; n < attempt && delay < b.MaxDelay; n++ {
		delay = s.NextBackOff()
	}
	return delay
}

// schedule returns a generator yielding the delay of each successive
// attempt, without jitter.
func (b Backoff) schedule() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     b.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          b.Factor,
		MaxInterval:         b.MaxDelay,
	}
}

// Validate checks the policy is usable.
func (b Backoff) Validate() error {
	if b.BaseDelay <= 0 {
		return fmt.Errorf("backoff base delay must be positive, got %s", b.BaseDelay)
	}
	if b.MaxDelay < b.BaseDelay {
		return fmt.Errorf("backoff max delay %s is below base delay %s", b.MaxDelay, b.BaseDelay)
	}
	if b.Factor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %g", b.Factor)
	}
	if b.MaxAttempts < 0 {
		return fmt.Errorf("backoff max attempts must not be negative, got %d", b.MaxAttempts)
	}
	return nil
}
