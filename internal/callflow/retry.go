package callflow

import (
	"fmt"
	"time"
)

const (
	DefaultRetryLimit  = 3
	DefaultRetryWindow = 3 * time.Minute
)

// Decision is the outcome of recording a failed connection attempt.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionAllowRetry
	DecisionExhausted
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowRetry:
		return "allow_retry"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "none"
	}
}

func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decision) UnmarshalText(text []byte) error {
	switch string(text) {
	case "allow_retry":
		*d = DecisionAllowRetry
	case "exhausted":
		*d = DecisionExhausted
	case "none", "":
		*d = DecisionNone
	default:
		return fmt.Errorf("unknown decision %q", text)
	}
	return nil
}

// RetryPolicy counts failed attempts in a rolling window that opens at the first failure.
// Up to Limit failures inside one window still allow a retry; the next one exhausts the
// budget. The caller supplies the clock on every call, nothing here is scheduled.
//
// RetryPolicy is not safe for concurrent use; the coordinator serializes access.
type RetryPolicy struct {
	Limit  int
	Window time.Duration

	count       int
	windowStart time.Time
	last        Decision
}

// NewRetryPolicy returns a policy with the given budget. Non-positive values fall back
// to the defaults.
func NewRetryPolicy(limit int, window time.Duration) *RetryPolicy {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	if window <= 0 {
		window = DefaultRetryWindow
	}
	return &RetryPolicy{Limit: limit, Window: window}
}

// RecordFailure registers a failed attempt observed at now.
func (p *RetryPolicy) RecordFailure(now time.Time) Decision {
	if p.count == 0 || now.Sub(p.windowStart) > p.Window {
		p.windowStart = now
		p.count = 1
		p.last = DecisionAllowRetry
		return p.last
	}

	p.count++
	if p.count <= p.Limit {
		p.last = DecisionAllowRetry
	} else {
		p.last = DecisionExhausted
	}
	return p.last
}

// RecordSuccess clears the counter and the window.
func (p *RetryPolicy) RecordSuccess() {
	p.count = 0
	p.windowStart = time.Time{}
	p.last = DecisionNone
}

// CanRetry reports whether the last recorded failure still permits another attempt.
func (p *RetryPolicy) CanRetry() bool {
	return p.last == DecisionAllowRetry
}

// Failures returns the number of failures in the current window.
func (p *RetryPolicy) Failures() int {
	return p.count
}

// Remaining returns how many more failures the current window tolerates.
func (p *RetryPolicy) Remaining() int {
	if left := p.Limit - p.count; left > 0 {
		return left
	}
	return 0
}

// WindowStart returns the time of the first failure in the current window,
// or the zero time when no failure is recorded.
func (p *RetryPolicy) WindowStart() time.Time {
	return p.windowStart
}
