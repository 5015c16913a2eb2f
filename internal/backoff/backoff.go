// Package backoff computes capped exponential retry delays.
//
// The same policy drives broker reconnects and command publish retries:
// the first retry waits Base, each later one doubles, and no delay
// exceeds Max.
package backoff

import "time"

// Policy is a capped doubling schedule.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-indexed).
// Attempts below 1 are treated as the first.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Sequence walks a Policy one attempt at a time.
// It is not safe for concurrent use; the owner serialises access.
type Sequence struct {
	policy  Policy
	attempt int
}

// NewSequence starts a sequence at the first attempt.
func NewSequence(p Policy) *Sequence {
	return &Sequence{policy: p}
}

// Next advances the sequence and returns the delay for the new attempt.
func (s *Sequence) Next() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

// Attempt returns how many delays Next has handed out since the last Reset.
func (s *Sequence) Attempt() int {
	return s.attempt
}

// Reset returns the sequence to the base delay.
func (s *Sequence) Reset() {
	s.attempt = 0
}
