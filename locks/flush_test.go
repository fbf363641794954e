package locks

import (
	"context"
	"testing"
	"time"
)

func singleCommit(t *testing.T, r *fakeRemote) remoteCall {
	t.Helper()
	commits := r.callsOf("recall_commit")
	if len(commits) != 1 {
		t.Fatalf("expected one recall commit, got %d", len(commits))
	}
	return commits[0]
}

func TestAsyncRecallCommitsAfterFlush(t *testing.T) {
	t.Parallel()
	r := &fakeRemote{deferFlush: true}
	l := newTestLock(r)
	grantGreedy(t, l, ServerWrite)
	ctx := context.Background()

	if err := l.Lock(ctx, 1, LevelRead); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if kept := l.Recall(ServerWrite, 0, true); kept {
		t.Fatalf("recall should give up the lease")
	}
	if got := l.Greediness(); got != WriteRecallInProgress {
		t.Fatalf("expected recall in progress, got %s", got)
	}

	reader := lockAsync(ctx, l, 2, LevelRead)
	waitFor(t, "queued reader", func() bool { return l.PendingCount() == 1 })
	assertBlocked(t, reader)
	if r.count("recall_commit") != 0 || r.count("lock") != 0 {
		t.Fatalf("nothing may reach the authority before the flush completes")
	}

	if n := r.fireFlushes(l.ID()); n != 1 {
		t.Fatalf("expected one recall flush, got %d", n)
	}
	commit := singleCommit(t, r)
	if !commit.batch || len(commit.contexts) != 2 {
		t.Fatalf("unexpected commit: %+v", commit)
	}
	if c := commit.contexts[0]; c.Thread != 1 || c.State != StateHolderRead {
		t.Fatalf("expected the read hold first, got %s", c)
	}
	if c := commit.contexts[1]; c.Thread != 2 || c.State != StatePendingRead {
		t.Fatalf("expected the queued reader second, got %s", c)
	}
	if got := l.Greediness(); got != Free {
		t.Fatalf("expected FREE after commit, got %s", got)
	}

	if err := l.Award(2, ServerRead, 5); err != nil {
		t.Fatalf("award: %v", err)
	}
	if err := recvErr(t, reader); err != nil {
		t.Fatalf("reader: %v", err)
	}
	if !l.IsLockedBy(2, LevelRead) || r.count("lock") != 0 {
		t.Fatalf("reader should be granted through the commit, not re-sent: %s", l)
	}
}

func TestStaleRecallFlushIsReissued(t *testing.T) {
	t.Parallel()
	r := &fakeRemote{deferFlush: true}
	l := newTestLock(r)
	grantGreedy(t, l, ServerWrite)

	l.Recall(ServerWrite, 0, false)
	if got := l.Greediness(); got != WriteRecallInProgress {
		t.Fatalf("expected recall in progress, got %s", got)
	}
	// Session lost and re-established while the recall flush is outstanding.
	l.Cleanup()
	grantGreedy(t, l, ServerWrite)
	l.Recall(ServerWrite, 0, false)
	if r.pendingFlushes() != 2 {
		t.Fatalf("expected two outstanding recall flushes, got %d", r.pendingFlushes())
	}

	if !r.fireOneFlush(l.ID()) {
		t.Fatalf("no flush to fire")
	}
	if r.count("recall_commit") != 0 {
		t.Fatalf("stale flush committed the recall")
	}
	if got := l.Greediness(); got != WriteRecallInProgress {
		t.Fatalf("stale flush changed the lease: %s", got)
	}
	if r.pendingFlushes() != 2 {
		t.Fatalf("stale flush should be reissued, got %d outstanding", r.pendingFlushes())
	}

	r.fireFlushes(l.ID())
	if got := l.Greediness(); got != Free {
		t.Fatalf("expected FREE, got %s", got)
	}
	commit := singleCommit(t, r)
	if len(commit.contexts) != 0 || commit.batch {
		t.Fatalf("unexpected commit: %+v", commit)
	}
	if r.pendingFlushes() != 0 || r.count("async_flush") != 3 {
		t.Fatalf("unexpected flush traffic: outstanding=%d issued=%d", r.pendingFlushes(), r.count("async_flush"))
	}
}

func TestAcquireFlushRetriesWhenLeaseMoves(t *testing.T) {
	t.Parallel()
	r := &fakeRemote{}
	l := newTestLock(r)
	grantGreedy(t, l, ServerRead)
	ctx := context.Background()

	// The authority recalls the lease while the acquire is flushing.
	r.setOnFlush(func() { l.Recall(ServerWrite, 0, false) })
	writer := lockAsync(ctx, l, 2, LevelWrite)
	waitFor(t, "flush retry", func() bool { return r.count("flush") == 2 })
	waitFor(t, "writer handed over", func() bool { return r.count("recall_commit") == 1 })
	assertBlocked(t, writer)

	commit := singleCommit(t, r)
	if len(commit.contexts) != 1 || commit.contexts[0].Thread != 2 || commit.contexts[0].State != StatePendingWrite {
		t.Fatalf("commit should carry the queued writer: %+v", commit.contexts)
	}
	if got := l.Greediness(); got != Free {
		t.Fatalf("expected FREE, got %s", got)
	}
	if r.count("lock") != 0 {
		t.Fatalf("request carried by the commit must not be re-sent")
	}

	if err := l.Award(2, ServerWrite, 3); err != nil {
		t.Fatalf("award: %v", err)
	}
	if err := recvErr(t, writer); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if !l.IsLockedBy(2, LevelWrite) {
		t.Fatalf("writer should hold the lock: %s", l)
	}
}

func TestWaitFlushRetriesWhenLeaseMoves(t *testing.T) {
	t.Parallel()
	r := &fakeRemote{}
	l := newTestLock(r)
	r.autoAward(l)
	ctx := context.Background()

	if err := l.Lock(ctx, 1, LevelSynchronousWrite); err != nil {
		t.Fatalf("lock: %v", err)
	}
	r.mu.Lock()
	r.grant = nil
	r.mu.Unlock()
	// A read lease lands while the waiter is flushing its sync-write hold.
	r.setOnFlush(func() { _ = l.Award(VMThread, ServerRead, 50) })

	done := make(chan error, 1)
	go func() {
		done <- l.Wait(ctx, 1, nil, nil, 10*time.Millisecond)
	}()

	// The wait times out under the read lease; reacquiring the sync-write
	// recalls it and hands the request to the authority.
	waitFor(t, "reacquire handed over", func() bool { return r.count("recall_commit") == 1 })
	if got := r.count("flush"); got != 3 {
		t.Fatalf("expected the wait flush to be retried once, got %d flushes", got)
	}
	if r.count("wait") != 0 {
		t.Fatalf("waiter under a lease must not be sent to the authority")
	}
	commit := singleCommit(t, r)
	if len(commit.contexts) != 1 || commit.contexts[0].Thread != 1 || commit.contexts[0].State != StatePendingWrite {
		t.Fatalf("commit should carry the reacquire: %+v", commit.contexts)
	}

	if err := l.Award(1, ServerWrite, 51); err != nil {
		t.Fatalf("award: %v", err)
	}
	if err := recvErr(t, done); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !l.IsLockedBy(1, LevelSynchronousWrite) || l.WaitingCount() != 0 {
		t.Fatalf("sync-write hold should be back: %s", l)
	}
}
