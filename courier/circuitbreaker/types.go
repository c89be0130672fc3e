package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config controls when the breaker opens and how it recovers.
type Config struct {
	MaxRequests         uint32        // requests let through while half-open
	Interval            time.Duration // closed-state window after which counts reset; zero never resets
	OpenTimeout         time.Duration // how long the breaker stays open before probing
	ConsecutiveFailures uint32        // consecutive failures that open the breaker; zero disables
	FailureRatio        float64       // failure ratio that opens the breaker once MinRequests is reached
	MinRequests         uint32        // requests observed before FailureRatio applies; zero disables
}

// Validate rejects configs that could never trip.
func (c Config) Validate() error {
	if c.ConsecutiveFailures == 0 && c.MinRequests == 0 {
		return fmt.Errorf("%w: at least one trip condition must be set", ErrInvalidConfig)
	}

	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return fmt.Errorf("%w: FailureRatio must be between 0 and 1, got %v", ErrInvalidConfig, c.FailureRatio)
	}

	if c.MinRequests > 0 && c.FailureRatio == 0 {
		return fmt.Errorf("%w: MinRequests needs a FailureRatio", ErrInvalidConfig)
	}

	return nil
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if c.MinRequests == 0 || counts.Requests < c.MinRequests {
		return false
	}

	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts mirrors gobreaker.Counts for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified after every transition.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(name string, from, to State)

func (f StateChangeFunc) OnStateChange(name string, from, to State) { f(name, from, to) }

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
