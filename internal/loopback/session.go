package loopback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/locklease/locks"
)

type event func(locks.Inbound)

// Session is one client's connection to the authority. It implements
// locks.RemoteLockManager; authority events are delivered in order to the
// Inbound passed to Start.
type Session struct {
	authority *Authority
	id        locks.ClientID

	mu      sync.Mutex
	queue   []event
	inbound locks.Inbound
	wake    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

var _ locks.RemoteLockManager = (*Session)(nil)

// Start begins delivering events to inbound.
func (s *Session) Start(inbound locks.Inbound) {
	s.mu.Lock()
	if s.inbound != nil {
		s.mu.Unlock()
		return
	}
	s.inbound = inbound
	s.mu.Unlock()
	go s.deliver(inbound)
}

// Close releases everything the client holds at the authority and stops
// delivery. Later calls through the session are ignored.
func (s *Session) Close() {
	if s.closed.Load() {
		return
	}
	a := s.authority
	a.mu.Lock()
	a.dropClientLocked(s.id)
	delete(a.sessions, s.id)
	a.mu.Unlock()
	s.stop()
	a.logger.Debug("loopback.session.closed", "client", s.id)
}

// Resume re-establishes client state at the authority from a handshake.
func (s *Session) Resume(contexts []locks.LockContext) {
	if s.IsShutdown() {
		return
	}
	s.authority.resume(s.id, contexts)
}

// stop ends delivery and tells the client the session is gone so parked
// callers fail instead of waiting for events that will never come.
func (s *Session) stop() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.mu.Lock()
		inbound := s.inbound
		s.mu.Unlock()
		if inbound != nil {
			inbound.Shutdown()
		}
	})
}

func (s *Session) enqueue(ev event) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) deliver(inbound locks.Inbound) {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, ev := range batch {
			if s.closed.Load() {
				return
			}
			ev(inbound)
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// ClientID implements locks.RemoteLockManager.
func (s *Session) ClientID() locks.ClientID { return s.id }

// Lock implements locks.RemoteLockManager.
func (s *Session) Lock(lock locks.LockID, thread locks.ThreadID, level locks.ServerLockLevel) {
	if s.IsShutdown() {
		return
	}
	s.authority.request(s.id, lock, thread, level, false, 0)
}

// TryLock implements locks.RemoteLockManager.
func (s *Session) TryLock(lock locks.LockID, thread locks.ThreadID, level locks.ServerLockLevel, timeout time.Duration) {
	if s.IsShutdown() {
		return
	}
	s.authority.request(s.id, lock, thread, level, true, timeout)
}

// Unlock implements locks.RemoteLockManager.
func (s *Session) Unlock(lock locks.LockID, thread locks.ThreadID, _ locks.ServerLockLevel) {
	if s.IsShutdown() {
		return
	}
	s.authority.unlock(s.id, lock, thread)
}

// Wait implements locks.RemoteLockManager.
func (s *Session) Wait(lock locks.LockID, thread locks.ThreadID, timeout time.Duration) {
	if s.IsShutdown() {
		return
	}
	s.authority.wait(s.id, lock, thread, timeout)
}

// Notify implements locks.RemoteLockManager.
func (s *Session) Notify(lock locks.LockID, _ locks.ThreadID, all bool) {
	if s.IsShutdown() {
		return
	}
	s.authority.notify(lock, all)
}

// Interrupt implements locks.RemoteLockManager.
func (s *Session) Interrupt(lock locks.LockID, thread locks.ThreadID) {
	if s.IsShutdown() {
		return
	}
	s.authority.interrupt(s.id, lock, thread)
}

// Flush implements locks.RemoteLockManager. Nothing is buffered in process,
// so it only honours the configured flush delay.
func (s *Session) Flush(ctx context.Context, _ locks.LockID) error {
	d := s.authority.flushDelay
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-s.authority.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncFlush implements locks.RemoteLockManager.
func (s *Session) AsyncFlush(lock locks.LockID, cb locks.FlushCallback) bool {
	d := s.authority.flushDelay
	if d <= 0 {
		return true
	}
	fire := s.authority.clock.After(d)
	go func() {
		select {
		case <-fire:
			cb(lock)
		case <-s.done:
		}
	}()
	return false
}

// RecallCommit implements locks.RemoteLockManager.
func (s *Session) RecallCommit(lock locks.LockID, contexts []locks.LockContext, _ bool) {
	if s.IsShutdown() {
		return
	}
	s.authority.recallCommit(s.id, lock, contexts)
}

// IsShutdown implements locks.RemoteLockManager.
func (s *Session) IsShutdown() bool {
	return s.closed.Load() || s.authority.shutdown.Load()
}
