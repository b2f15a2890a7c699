// SPDX-License-Identifier: GPL-3.0-or-later
package resilience

import "time"

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 2 * time.Minute
)

// Breaker opens after Threshold consecutive failures and then refuses
// attempts for Cooldown. Once the cooldown elapses a single probe attempt
// is permitted; its failure re-arms the cooldown, its success closes the
// breaker. Not safe for concurrent use, the session runs one attempt at a
// time.
type Breaker struct {
	Threshold int
	Cooldown  time.Duration

	now func() time.Time

	consecutive int
	open        bool
	openedAt    time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		now:       time.Now,
	}
}

// Remaining reports how long the caller must wait before the next attempt
// is permitted; zero means attempts are allowed right now.
func (b *Breaker) Remaining() time.Duration {
	if !b.open {
		return 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.Cooldown {
		return 0
	}
	return b.Cooldown - elapsed
}

func (b *Breaker) Open() bool {
	return b.open
}

// Failure counts one more consecutive failure and reports whether this
// failure tripped the breaker from closed to open. Failures while already
// open re-arm the cooldown window.
func (b *Breaker) Failure() bool {
	b.consecutive++
	if b.consecutive < b.Threshold {
		return false
	}

	wasOpen := b.open
	b.open = true
	b.openedAt = b.now()
	return !wasOpen
}

// Success closes the breaker and resets the consecutive failure count.
func (b *Breaker) Success() {
	b.consecutive = 0
	b.open = false
}
