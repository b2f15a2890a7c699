// SPDX-License-Identifier: GPL-3.0-or-later
package resilience

import (
	"context"
	"time"

	"github.com/kusl/MyImapDownloader-sub002/domain"
	"github.com/kusl/MyImapDownloader-sub002/log"

	"github.com/sirupsen/logrus"
)

// Session wraps one full unit of work (connect, authenticate, enumerate,
// sync) in an indefinite retry loop with exponential backoff, layered
// inside a circuit breaker. There is no upper bound on attempts: transient
// resets during long archival runs are expected and waited out. Only
// authentication failures and cancellation end the loop early.
type Session struct {
	backoff Backoff
	breaker *Breaker

	sleep  func(ctx context.Context, d time.Duration) error
	events domain.EventRecorder

	l *logrus.Logger
}

type Option func(*Session)

func WithBackoff(base, max time.Duration) Option {
	return func(s *Session) {
		s.backoff = Backoff{Base: base, Max: max}
	}
}

func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(s *Session) {
		s.breaker = NewBreaker(threshold, cooldown)
	}
}

func WithEvents(events domain.EventRecorder) Option {
	return func(s *Session) {
		s.events = events
	}
}

// WithSleep replaces the wait primitive, used by tests to run against a
// fake clock.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) {
		s.sleep = sleep
	}
}

func NewSession(options ...Option) *Session {
	s := &Session{
		backoff: Backoff{Base: DefaultRetryBase, Max: DefaultRetryMax},
		breaker: NewBreaker(DefaultBreakerThreshold, DefaultBreakerCooldown),
		sleep:   sleepContext,
		events:  domain.NopRecorder{},
		l:       log.Logger(log.LOG_RESILIENCE),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Run invokes work until it succeeds. Authentication errors and context
// cancellation propagate immediately; every other failure waits out the
// backoff delay (or the breaker cooldown while the breaker is open) and
// tries again with a fresh attempt.
func (s *Session) Run(ctx context.Context, work func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if wait := s.breaker.Remaining(); wait > 0 {
			s.l.WithFields(logrus.Fields{"cooldown": wait}).Warn("Breaker open, failing fast until cooldown elapses")
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := work(ctx)
		if err == nil {
			if s.breaker.Open() {
				domain.Emit(s.events, domain.EventBreakerClosed, nil)
			}
			s.breaker.Success()
			return nil
		}

		if domain.IsAuth(err) {
			s.l.WithField("error", err).Error("Authentication failed, not retrying")
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		if opened := s.breaker.Failure(); opened {
			s.l.WithFields(logrus.Fields{"cooldown": s.breaker.Cooldown}).Warn("Too many consecutive failures, opening breaker")
			domain.Emit(s.events, domain.EventBreakerOpened, map[string]interface{}{"cooldown": s.breaker.Cooldown.String()})
		}

		if s.breaker.Open() {
			// The cooldown wait at the top of the loop replaces the
			// backoff delay while the breaker is open.
			continue
		}

		delay := s.backoff.Delay(attempt)
		s.l.WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay, "error": err}).Warn("Session failed, retrying")
		domain.Emit(s.events, domain.EventRetryAttempted, map[string]interface{}{"attempt": attempt + 1, "delay": delay.String()})

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
