package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/locklease/internal/loggingutil"
	"pkt.systems/pslog"
)

// Manager owns the ClientLock instances of one client, routes authority
// events to them and collects idle locks.
type Manager struct {
	remote RemoteLockManager
	opts   options
	logger pslog.Logger

	mu    sync.RWMutex
	locks map[LockID]*ClientLock

	metrics *lockMetrics
	closed  chan struct{}
	once    sync.Once
}

var _ Inbound = (*Manager)(nil)

// NewManager returns a Manager that talks to remote.
func NewManager(remote RemoteLockManager, opts ...Option) *Manager {
	o := buildOptions(opts)
	m := &Manager{
		remote: remote,
		logger: loggingutil.WithSubsystem(o.logger, "locks.manager"),
		locks:  make(map[LockID]*ClientLock),
		closed: make(chan struct{}),
	}
	m.metrics = newLockMetrics(m.logger, func() int64 { return int64(m.Len()) })
	o.metrics = m.metrics
	m.opts = o
	return m
}

// Len returns the number of tracked locks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}

// Lookup returns the coordinator for id if one exists.
func (m *Manager) Lookup(id LockID) (*ClientLock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locks[id]
	return l, ok
}

func (m *Manager) getOrCreate(id LockID) *ClientLock {
	m.mu.RLock()
	l, ok := m.locks[id]
	m.mu.RUnlock()
	if ok {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok {
		return l
	}
	l = newClientLock(id, m.remote, m.opts)
	m.locks[id] = l
	return l
}

// discard drops l if it is still the mapped coordinator for its id.
func (m *Manager) discard(l *ClientLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[l.id]; ok && cur == l {
		delete(m.locks, l.id)
	}
}

// withLock runs fn against the coordinator for id, retrying on a fresh
// coordinator when the current one was collected underneath the caller.
func (m *Manager) withLock(id LockID, fn func(*ClientLock) error) error {
	for {
		l := m.getOrCreate(id)
		err := fn(l)
		if !errors.Is(err, ErrGarbageLock) {
			return err
		}
		m.logger.Debug("manager.lock.garbage_retry", "lock", id)
		m.discard(l)
	}
}

// Lock acquires level on id for thread.
func (m *Manager) Lock(ctx context.Context, id LockID, thread ThreadID, level LockLevel) error {
	return m.withLock(id, func(l *ClientLock) error {
		return l.Lock(ctx, thread, level)
	})
}

// TryLock acquires level on id for thread if it is immediately available.
func (m *Manager) TryLock(ctx context.Context, id LockID, thread ThreadID, level LockLevel) (bool, error) {
	var ok bool
	err := m.withLock(id, func(l *ClientLock) error {
		var err error
		ok, err = l.TryLock(ctx, thread, level)
		return err
	})
	return ok, err
}

// TryLockTimeout acquires level on id for thread, giving up after timeout.
func (m *Manager) TryLockTimeout(ctx context.Context, id LockID, thread ThreadID, level LockLevel, timeout time.Duration) (bool, error) {
	var ok bool
	err := m.withLock(id, func(l *ClientLock) error {
		var err error
		ok, err = l.TryLockTimeout(ctx, thread, level, timeout)
		return err
	})
	return ok, err
}

// Unlock releases one hold of level on id by thread.
func (m *Manager) Unlock(id LockID, thread ThreadID, level LockLevel) error {
	l, ok := m.Lookup(id)
	if !ok {
		if level == LevelConcurrent {
			return nil
		}
		return ErrIllegalMonitorState
	}
	return l.Unlock(thread, level)
}

// Wait releases thread's holds on id and parks until notified. token is
// carried on the waiter for the caller's own bookkeeping.
func (m *Manager) Wait(ctx context.Context, id LockID, thread ThreadID, listener WaitListener, token any, timeout time.Duration) error {
	l, ok := m.Lookup(id)
	if !ok {
		return ErrIllegalMonitorState
	}
	return l.Wait(ctx, thread, listener, token, timeout)
}

// Notify wakes one waiter of id.
func (m *Manager) Notify(id LockID, thread ThreadID) (bool, error) {
	l, ok := m.Lookup(id)
	if !ok {
		return false, ErrIllegalMonitorState
	}
	return l.Notify(thread)
}

// NotifyAll wakes every waiter of id.
func (m *Manager) NotifyAll(id LockID, thread ThreadID) (bool, error) {
	l, ok := m.Lookup(id)
	if !ok {
		return false, ErrIllegalMonitorState
	}
	return l.NotifyAll(thread)
}

// IsLocked reports whether any thread holds level on id.
func (m *Manager) IsLocked(id LockID, level LockLevel) bool {
	l, ok := m.Lookup(id)
	return ok && l.IsLocked(level)
}

// IsLockedBy reports whether thread holds level on id.
func (m *Manager) IsLockedBy(id LockID, thread ThreadID, level LockLevel) bool {
	l, ok := m.Lookup(id)
	return ok && l.IsLockedBy(thread, level)
}

// HoldCount returns the number of holds at level on id.
func (m *Manager) HoldCount(id LockID, level LockLevel) int {
	l, ok := m.Lookup(id)
	if !ok {
		return 0
	}
	return l.HoldCount(level)
}

// PendingCount returns the number of queued acquires on id.
func (m *Manager) PendingCount(id LockID) int {
	l, ok := m.Lookup(id)
	if !ok {
		return 0
	}
	return l.PendingCount()
}

// WaitingCount returns the number of waiters on id.
func (m *Manager) WaitingCount(id LockID) int {
	l, ok := m.Lookup(id)
	if !ok {
		return 0
	}
	return l.WaitingCount()
}

// Pin keeps id from being collected while award is current.
func (m *Manager) Pin(id LockID, award AwardID) {
	if l, ok := m.Lookup(id); ok {
		l.Pin(award)
	}
}

// Unpin releases a pin on id.
func (m *Manager) Unpin(id LockID, award AwardID) error {
	l, ok := m.Lookup(id)
	if !ok {
		return nil
	}
	return l.Unpin(award)
}

// Award implements Inbound.
func (m *Manager) Award(id LockID, thread ThreadID, level ServerLockLevel, award AwardID) {
	err := m.withLock(id, func(l *ClientLock) error {
		return l.Award(thread, level, award)
	})
	if err != nil {
		m.logger.Warn("manager.award.failed", "lock", id, "thread", thread, "level", level, "award", award, "error", err)
	}
}

// Refuse implements Inbound.
func (m *Manager) Refuse(id LockID, thread ThreadID, level ServerLockLevel) {
	l, ok := m.Lookup(id)
	if !ok {
		m.logger.Debug("manager.refuse.unknown_lock", "lock", id, "thread", thread)
		return
	}
	l.Refuse(thread, level)
}

// Recall implements Inbound.
func (m *Manager) Recall(id LockID, interest ServerLockLevel, lease time.Duration, batch bool) bool {
	l, ok := m.Lookup(id)
	if !ok {
		m.logger.Debug("manager.recall.unknown_lock", "lock", id)
		return false
	}
	return l.Recall(interest, lease, batch)
}

// Notified implements Inbound.
func (m *Manager) Notified(id LockID, thread ThreadID) {
	l, ok := m.Lookup(id)
	if !ok {
		m.logger.Debug("manager.notified.unknown_lock", "lock", id, "thread", thread)
		return
	}
	l.Notified(thread)
}

func (m *Manager) snapshot() []*ClientLock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ClientLock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	return out
}

// Sweep runs one collection pass and returns the number of locks dropped.
func (m *Manager) Sweep(ctx context.Context) int {
	locks := m.snapshot()
	collected := 0
	for _, l := range locks {
		if !l.TryMarkAsGarbage() {
			continue
		}
		m.discard(l)
		collected++
	}
	m.metrics.recordSweep(ctx, collected)
	m.logger.Debug("manager.sweep.complete", "scanned", len(locks), "collected", collected, "live", m.Len())
	return collected
}

// Run sweeps on the configured interval until ctx ends or the manager is
// closed.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("manager.sweep.start", "interval", m.opts.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case <-m.opts.clock.After(m.opts.sweepInterval):
			m.Sweep(ctx)
		}
	}
}

// InitializeHandshake adds every lock's state to builder.
func (m *Manager) InitializeHandshake(builder HandshakeBuilder) {
	client := m.remote.ClientID()
	for _, l := range m.snapshot() {
		l.InitializeHandshake(client, builder)
	}
}

// Cleanup resets every lock after the session to the authority is lost.
// Parked callers wake and re-delegate their requests.
func (m *Manager) Cleanup() {
	locks := m.snapshot()
	for _, l := range locks {
		l.Cleanup()
	}
	m.logger.Info("manager.cleanup", "locks", len(locks))
}

// Shutdown implements Inbound.
func (m *Manager) Shutdown() {
	locks := m.snapshot()
	for _, l := range locks {
		l.Shutdown()
	}
	m.logger.Info("manager.shutdown", "locks", len(locks))
}

// Close stops Run and unregisters metrics.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.closed)
		m.metrics.close()
	})
}
