// Package loopback is an in-process lock authority. It speaks the
// locks.RemoteLockManager contract to any number of client sessions and
// drives their Inbound side from per-session delivery goroutines. The bench
// command and cross-client tests use it in place of a networked authority.
package loopback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"pkt.systems/locklease/internal/clock"
	"pkt.systems/locklease/internal/loggingutil"
	"pkt.systems/locklease/locks"
	"pkt.systems/pslog"
)

// Option customises an Authority.
type Option func(*Authority)

// WithLogger sets the authority logger.
func WithLogger(logger pslog.Logger) Option {
	return func(a *Authority) {
		a.logger = logger
	}
}

// WithClock replaces the wall clock used for try-lock and wait timeouts.
func WithClock(c clock.Clock) Option {
	return func(a *Authority) {
		a.clock = c
	}
}

// WithFlushDelay makes every flush take d, so asynchronous flushes complete
// on a later goroutine instead of inline.
func WithFlushDelay(d time.Duration) Option {
	return func(a *Authority) {
		a.flushDelay = d
	}
}

// Stats counts what the authority has done since it was created.
type Stats struct {
	GreedyAwards int64
	ThreadAwards int64
	Recalls      int64
	Commits      int64
	Refusals     int64
	Notifies     int64
}

type holderKey struct {
	client locks.ClientID
	thread locks.ThreadID
}

type request struct {
	id      uint64
	client  locks.ClientID
	thread  locks.ThreadID
	level   locks.ServerLockLevel
	try     bool
	timeout time.Duration
	cancel  func()
}

type waiter struct {
	id     uint64
	client locks.ClientID
	thread locks.ThreadID
	cancel func()
}

type lockState struct {
	id       locks.LockID
	holders  map[holderKey]locks.ServerLockLevel
	queue    []*request
	waiters  []*waiter
	recalled map[locks.ClientID]bool
}

func newLockState(id locks.LockID) *lockState {
	return &lockState{
		id:       id,
		holders:  make(map[holderKey]locks.ServerLockLevel),
		recalled: make(map[locks.ClientID]bool),
	}
}

func (ls *lockState) empty() bool {
	return len(ls.holders) == 0 && len(ls.queue) == 0 && len(ls.waiters) == 0
}

// Authority grants and recalls locks for every session it created.
type Authority struct {
	logger     pslog.Logger
	clock      clock.Clock
	flushDelay time.Duration

	mu       sync.Mutex
	sessions map[locks.ClientID]*Session
	locks    map[locks.LockID]*lockState
	seq      uint64
	awardSeq int64

	shutdown atomic.Bool

	greedyAwards atomic.Int64
	threadAwards atomic.Int64
	recalls      atomic.Int64
	commits      atomic.Int64
	refusals     atomic.Int64
	notifies     atomic.Int64
}

// New returns an empty authority.
func New(opts ...Option) *Authority {
	a := &Authority{
		sessions: make(map[locks.ClientID]*Session),
		locks:    make(map[locks.LockID]*lockState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.logger = loggingutil.WithSubsystem(a.logger, "loopback.authority")
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	return a
}

// NewSession registers a client and returns its remote handle. Events are
// buffered until Start is called.
func (a *Authority) NewSession() *Session {
	s := &Session{
		authority: a,
		id:        locks.ClientID(xid.New().String()),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()
	a.logger.Debug("loopback.session.open", "client", s.id)
	return s
}

// Stats returns a snapshot of the authority counters.
func (a *Authority) Stats() Stats {
	return Stats{
		GreedyAwards: a.greedyAwards.Load(),
		ThreadAwards: a.threadAwards.Load(),
		Recalls:      a.recalls.Load(),
		Commits:      a.commits.Load(),
		Refusals:     a.refusals.Load(),
		Notifies:     a.notifies.Load(),
	}
}

// Shutdown stops every session and wakes the parked callers of every
// started client, which then fail with locks.ErrNotRunning.
func (a *Authority) Shutdown() {
	if !a.shutdown.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
	a.logger.Info("loopback.shutdown", "sessions", len(sessions))
}

// Forget drops everything the authority knows about client, as if the
// authority had restarted, but keeps the session open so the client can
// resume with a handshake.
func (a *Authority) Forget(client locks.ClientID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropClientLocked(client)
}

// Holders returns the current holders of lock, for tests and diagnostics.
func (a *Authority) Holders(lock locks.LockID) map[locks.ClientID][]locks.ThreadID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[locks.ClientID][]locks.ThreadID{}
	if ls, ok := a.locks[lock]; ok {
		for k := range ls.holders {
			out[k.client] = append(out[k.client], k.thread)
		}
	}
	return out
}

func (a *Authority) dropClientLocked(client locks.ClientID) {
	for _, ls := range a.locks {
		for k := range ls.holders {
			if k.client == client {
				delete(ls.holders, k)
			}
		}
		kept := ls.queue[:0]
		for _, r := range ls.queue {
			if r.client == client {
				r.stop()
				continue
			}
			kept = append(kept, r)
		}
		ls.queue = kept
		ls.waiters = filterWaiters(ls.waiters, func(w *waiter) bool { return w.client != client })
		delete(ls.recalled, client)
		a.processLocked(ls)
	}
	a.gcLocked()
}

func (a *Authority) lockLocked(id locks.LockID) *lockState {
	ls, ok := a.locks[id]
	if !ok {
		ls = newLockState(id)
		a.locks[id] = ls
	}
	return ls
}

func (a *Authority) gcLocked() {
	for id, ls := range a.locks {
		if ls.empty() {
			delete(a.locks, id)
		}
	}
}

func (a *Authority) nextIDLocked() uint64 {
	a.seq++
	return a.seq
}

func (a *Authority) send(client locks.ClientID, ev event) {
	if s, ok := a.sessions[client]; ok {
		s.enqueue(ev)
	}
}

// after runs fn under the authority mutex once d has elapsed, unless the
// returned cancel is called first.
func (a *Authority) after(d time.Duration, fn func()) func() {
	stop := make(chan struct{})
	var once sync.Once
	fire := a.clock.After(d)
	go func() {
		select {
		case <-fire:
			a.mu.Lock()
			defer a.mu.Unlock()
			select {
			case <-stop:
				return
			default:
			}
			fn()
		case <-stop:
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (r *request) stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func filterWaiters(in []*waiter, keep func(*waiter) bool) []*waiter {
	out := in[:0]
	for _, w := range in {
		if keep(w) {
			out = append(out, w)
			continue
		}
		if w.cancel != nil {
			w.cancel()
		}
	}
	return out
}
