package reliability

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how the retransmission timeout grows between attempts.
type Strategy int

const (
	// Fixed waits Base before every retransmission.
	Fixed Strategy = iota

	// Exponential doubles the wait after every transmission, capped at Max.
	Exponential
)

func (s Strategy) String() string {
	switch s {
	case Fixed:
		return "fixed"
	case Exponential:
		return "exponential"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed", "constant":
		return Fixed, nil
	case "exponential", "exp":
		return Exponential, nil
	default:
		return Fixed, fmt.Errorf("reliability: unknown backoff strategy %q", s)
	}
}

// Backoff is the retransmission policy of a send window.
type Backoff struct {
	Strategy Strategy
	Base     time.Duration
	Max      time.Duration

	// MaxAttempts is the number of transmissions, the first included, after
	// which an unacknowledged packet fails its session.
	MaxAttempts int
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Strategy:    Exponential,
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxAttempts: 8,
	}
}

// NextDelay returns how long to wait for an acknowledgment after the given
// transmission (1 for the first send).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if b.Strategy != Exponential {
		return b.Base
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
		if delay <= 0 {
			// overflow
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Deadline returns the total time an unacknowledged packet may stay pending
// before its session fails.
func (b Backoff) Deadline() time.Duration {
	var total time.Duration
	for i := 1; i <= b.MaxAttempts; i++ {
		total += b.NextDelay(i)
	}
	return total
}
