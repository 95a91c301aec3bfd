// Package clock abstracts the time source used to stamp envelopes so that
// tests can substitute a deterministic implementation.
package clock

import "time"

var (
	Time Clock = &realClock{}
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now()
}
