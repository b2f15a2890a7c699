// SPDX-License-Identifier: GPL-3.0-or-later
package resilience

import "time"

const (
	DefaultRetryBase = 500 * time.Millisecond
	DefaultRetryMax  = 60 * time.Second
)

// Backoff is the retry delay curve: Base for the first retry, doubling on
// every further attempt, capped at Max. It carries no state, the session
// tracks the attempt count.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultRetryBase
	}
	max := b.Max
	if max <= 0 {
		max = DefaultRetryMax
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
