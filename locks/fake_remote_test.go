package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type remoteCall struct {
	op       string
	lock     LockID
	thread   ThreadID
	level    ServerLockLevel
	timeout  time.Duration
	all      bool
	contexts []LockContext
	batch    bool
}

// fakeRemote records every outbound call. grant, when set, is invoked on its
// own goroutine for each lock and try-lock request.
type fakeRemote struct {
	mu         sync.Mutex
	calls      []remoteCall
	deferFlush bool
	flushes    []FlushCallback
	flushErr   error
	onFlush    func()
	grant      func(remoteCall)

	shutdown atomic.Bool
	awards   atomic.Int64
}

func (r *fakeRemote) record(c remoteCall) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	grant := r.grant
	r.mu.Unlock()
	if grant != nil && (c.op == "lock" || c.op == "trylock") {
		go grant(c)
	}
}

func (r *fakeRemote) ClientID() ClientID { return "client-a" }

func (r *fakeRemote) Lock(lock LockID, thread ThreadID, level ServerLockLevel) {
	r.record(remoteCall{op: "lock", lock: lock, thread: thread, level: level})
}

func (r *fakeRemote) TryLock(lock LockID, thread ThreadID, level ServerLockLevel, timeout time.Duration) {
	r.record(remoteCall{op: "trylock", lock: lock, thread: thread, level: level, timeout: timeout})
}

func (r *fakeRemote) Unlock(lock LockID, thread ThreadID, level ServerLockLevel) {
	r.record(remoteCall{op: "unlock", lock: lock, thread: thread, level: level})
}

func (r *fakeRemote) Wait(lock LockID, thread ThreadID, timeout time.Duration) {
	r.record(remoteCall{op: "wait", lock: lock, thread: thread, timeout: timeout})
}

func (r *fakeRemote) Notify(lock LockID, thread ThreadID, all bool) {
	r.record(remoteCall{op: "notify", lock: lock, thread: thread, all: all})
}

func (r *fakeRemote) Interrupt(lock LockID, thread ThreadID) {
	r.record(remoteCall{op: "interrupt", lock: lock, thread: thread})
}

func (r *fakeRemote) Flush(ctx context.Context, lock LockID) error {
	r.record(remoteCall{op: "flush", lock: lock})
	r.mu.Lock()
	hook := r.onFlush
	r.onFlush = nil
	err := r.flushErr
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (r *fakeRemote) AsyncFlush(lock LockID, cb FlushCallback) bool {
	r.record(remoteCall{op: "async_flush", lock: lock})
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.deferFlush {
		return true
	}
	r.flushes = append(r.flushes, cb)
	return false
}

func (r *fakeRemote) RecallCommit(lock LockID, contexts []LockContext, batch bool) {
	r.record(remoteCall{op: "recall_commit", lock: lock, contexts: append([]LockContext(nil), contexts...), batch: batch})
}

func (r *fakeRemote) IsShutdown() bool { return r.shutdown.Load() }

// fireFlushes completes every deferred async flush from the calling
// goroutine.
func (r *fakeRemote) fireFlushes(lock LockID) int {
	r.mu.Lock()
	cbs := r.flushes
	r.flushes = nil
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(lock)
	}
	return len(cbs)
}

// fireOneFlush completes the oldest deferred async flush.
func (r *fakeRemote) fireOneFlush(lock LockID) bool {
	r.mu.Lock()
	if len(r.flushes) == 0 {
		r.mu.Unlock()
		return false
	}
	cb := r.flushes[0]
	r.flushes = r.flushes[1:]
	r.mu.Unlock()
	cb(lock)
	return true
}

func (r *fakeRemote) setOnFlush(hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFlush = hook
}

func (r *fakeRemote) pendingFlushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *fakeRemote) callsOf(op string) []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []remoteCall
	for _, c := range r.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRemote) count(op string) int {
	return len(r.callsOf(op))
}

// autoAward makes the fake grant every per-thread request to l.
func (r *fakeRemote) autoAward(l *ClientLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grant = func(c remoteCall) {
		_ = l.Award(c.thread, c.level, AwardID(r.awards.Add(1)))
	}
}

func newTestLock(r *fakeRemote, opts ...Option) *ClientLock {
	return NewClientLock("lock-a", r, opts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
		return nil
	}
}

func assertBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("expected caller to stay parked, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

// lockAsync runs Lock on its own goroutine.
func lockAsync(ctx context.Context, l *ClientLock, thread ThreadID, level LockLevel) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- l.Lock(ctx, thread, level)
	}()
	return ch
}

func grantGreedy(t *testing.T, l *ClientLock, level ServerLockLevel) {
	t.Helper()
	if err := l.Award(VMThread, level, 1); err != nil {
		t.Fatalf("greedy award: %v", err)
	}
}
