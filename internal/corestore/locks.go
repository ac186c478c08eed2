package corestore

import (
	"context"
	"time"

	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/coremetrics"
	"github.com/cuemby/fleetform/internal/coretypes"
)

// lockState tracks one named mutex: its holder, acquisition time, and a
// FIFO queue of waiters (spec.md §4.3 "ResourceLock").
type lockState struct {
	holder  string
	since   time.Time
	waiters []chan struct{}
}

// AcquireLock acquires the named lock for holder under mode. Blocking
// callers park on a FIFO waiter queue and are woken in order; a holder
// re-acquiring its own lock succeeds immediately (reentrant per-holder,
// spec.md §3 "ResourceLock" invariants).
func (s *Store) AcquireLock(ctx context.Context, name, holder string, mode coretypes.ResourceLockMode, timeout time.Duration) error {
	timer := coremetrics.NewTimer()
	defer timer.ObserveDuration(coremetrics.LockWaitDuration)

	for {
		s.mu.Lock()
		l, exists := s.locks[name]
		if !exists {
			l = &lockState{}
			s.locks[name] = l
		}

		if l.holder == "" || l.holder == holder {
			l.holder = holder
			l.since = time.Now()
			s.mu.Unlock()
			s.publish(coreevents.TypeLockAcquired, holder, "lock acquired", map[string]string{"lock": name})
			return nil
		}

		if mode == coretypes.LockModeTry {
			s.mu.Unlock()
			return coreerrors.Wrap("store.AcquireLock", coretypes.ErrorKindInvalidInput, "lock %s held by %s", name, l.holder)
		}

		wake := make(chan struct{})
		l.waiters = append(l.waiters, wake)
		s.mu.Unlock()

		if mode == coretypes.LockModeTimeout {
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			select {
			case <-wake:
				cancel()
				// loop back around and try to claim the lock
			case <-waitCtx.Done():
				cancel()
				s.dropWaiter(name, wake)
				return coreerrors.Wrap("store.AcquireLock", coretypes.ErrorKindTimeout, "timed out waiting for lock %s", name)
			}
			continue
		}

		// blocking mode
		select {
		case <-wake:
		case <-ctx.Done():
			s.dropWaiter(name, wake)
			return coreerrors.Wrap("store.AcquireLock", coretypes.ErrorKindCancelled, "cancelled waiting for lock %s", name)
		}
	}
}

func (s *Store) dropWaiter(name string, wake chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		return
	}
	for i, w := range l.waiters {
		if w == wake {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
}

// ReleaseLock releases the named lock. Releasing a lock you don't hold is a
// no-op that logs a warning (spec.md §4.3).
func (s *Store) ReleaseLock(name, holder string) {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok || l.holder != holder {
		s.mu.Unlock()
		s.logger.Warn().Str("lock", name).Str("holder", holder).Msg("release of lock not held, ignoring")
		return
	}

	l.holder = ""
	var next chan struct{}
	if len(l.waiters) > 0 {
		next = l.waiters[0]
		l.waiters = l.waiters[1:]
	}
	s.mu.Unlock()

	s.publish(coreevents.TypeLockReleased, holder, "lock released", map[string]string{"lock": name})
	if next != nil {
		close(next)
	}
}

// LockHolder returns the current holder of name, or "" if unheld.
func (s *Store) LockHolder(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[name]; ok {
		return l.holder
	}
	return ""
}

// LockWaiterCount returns the number of parked waiters for name.
func (s *Store) LockWaiterCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[name]; ok {
		return len(l.waiters)
	}
	return 0
}
