package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Authorizer obtains fresh credentials.
type Authorizer interface {
	Authorize(ctx context.Context) (*Credentials, error)
}

// Scheduler reauthorizes shortly before the session token expires. At most
// one timer goroutine is live; arming replaces the previous one.
type Scheduler struct {
	auth     Authorizer
	onRenew  func(*Credentials)
	onExpire func(error)
	log      *slog.Logger
	after    func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates an unarmed scheduler. onRenew receives every
// successfully renewed credential set; onExpire (optional) is called once
// when a renewal fails, after which the scheduler stays idle.
func NewScheduler(a Authorizer, onRenew func(*Credentials), onExpire func(error), log *slog.Logger) *Scheduler {
	return &Scheduler{
		auth:     a,
		onRenew:  onRenew,
		onExpire: onExpire,
		log:      log,
		after:    time.After,
	}
}

// UseClock replaces the timer source. It must be called before the first Arm.
func (s *Scheduler) UseClock(after func(time.Duration) <-chan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after = after
}

// Arm cancels any pending reauthorization and schedules a new one after ttl.
// It must not be called from onRenew or onExpire.
func (s *Scheduler) Arm(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, ttl, done)
}

// Stop cancels the pending reauthorization and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Armed reports whether a reauthorization is pending or in flight.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Scheduler) run(ctx context.Context, ttl time.Duration, done chan struct{}) {
	defer close(done)

	for {
		s.log.Debug("reauthorization scheduled", "in", ttl)

		select {
		case <-ctx.Done():
			return
		case <-s.after(ttl):
		}

		creds, err := s.auth.Authorize(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error("reauthorization failed, session expired", "error", err)
			if s.onExpire != nil {
				s.onExpire(err)
			}
			return
		}

		s.onRenew(creds)
		ttl = creds.TTL
	}
}
