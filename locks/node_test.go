package locks

import (
	"context"
	"testing"
	"time"
)

func TestWaiterReacquiresOldestFirst(t *testing.T) {
	t.Parallel()
	var l stateList
	l.pushFront(newHold(1, LevelRead))
	l.pushFront(newHold(1, LevelWrite))
	l.pushFront(newHold(1, LevelSynchronousWrite))

	w := newWaiter(1, nil, l.all(), 0)
	want := []LockLevel{LevelRead, LevelWrite, LevelSynchronousWrite}
	if len(w.reacquires) != len(want) {
		t.Fatalf("expected %d reacquires, got %d", len(want), len(w.reacquires))
	}
	for i, level := range want {
		r := w.reacquires[i]
		if r.level != level || r.kind != kindPending || !r.delegates || r.attached {
			t.Fatalf("reacquire %d = %s", i, r)
		}
	}
}

func TestStateListOrdering(t *testing.T) {
	t.Parallel()
	var l stateList
	p1 := newPending(2, LevelWrite)
	p2 := newTryPending(3, LevelRead, time.Second)
	l.pushBack(p1)
	l.pushBack(p2)
	h := newHold(1, LevelRead)
	l.pushFront(h)

	if l.len() != 3 || l.all()[0] != h {
		t.Fatalf("hold should sit at the head")
	}
	if l.firstPending() != p1 {
		t.Fatalf("first pending mismatch")
	}
	if after := l.pendingAfter(p1); len(after) != 1 || after[0] != p2 {
		t.Fatalf("pendingAfter mismatch: %v", after)
	}
	if !l.remove(p1) || l.remove(p1) {
		t.Fatalf("remove should succeed exactly once")
	}
	if p1.attached {
		t.Fatalf("removed node still marked attached")
	}
	if l.pendingAfter(p1) != nil {
		t.Fatalf("detached node has no followers")
	}
	nodes := l.clear()
	if len(nodes) != 2 || l.len() != 0 || h.attached {
		t.Fatalf("clear should detach everything")
	}
}

func TestAllowsHold(t *testing.T) {
	t.Parallel()
	write := newHold(1, LevelWrite)
	read := newHold(1, LevelRead)
	cases := []struct {
		name  string
		n     *node
		owner ThreadID
		level LockLevel
		want  acquireResult
	}{
		{"own write admits write", write, 1, LevelWrite, resultSuccess},
		{"own write admits read", write, 1, LevelRead, resultSuccess},
		{"own read admits read", read, 1, LevelRead, resultSharedSuccess},
		{"own read is silent on write", read, 1, LevelWrite, resultUnknown},
		{"foreign write blocks read", write, 2, LevelRead, resultFailure},
		{"foreign read blocks write", read, 2, LevelWrite, resultFailure},
		{"foreign read is silent on read", read, 2, LevelRead, resultUnknown},
	}
	for _, tc := range cases {
		if got := tc.n.allowsHold(tc.owner, tc.level); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}

	flushing := newHold(1, LevelSynchronousWrite)
	flushing.flushInProgress = true
	if got := flushing.allowsHold(1, LevelWrite); got != resultWaitForFlush {
		t.Fatalf("flushing hold should defer, got %s", got)
	}
	awarded := newPending(3, LevelWrite)
	if awarded.allowsHold(3, LevelWrite) != resultUnknown {
		t.Fatalf("unawarded pending must not grant")
	}
	awarded.awarded = true
	if awarded.allowsHold(3, LevelWrite) != resultSuccess {
		t.Fatalf("awarded pending should grant its owner")
	}
}

func TestParkOutcomes(t *testing.T) {
	t.Parallel()
	n := newPending(1, LevelRead)
	n.unpark()
	n.unpark()
	if got := n.park(context.Background(), nil); got != parkSignalled {
		t.Fatalf("expected signalled, got %d", got)
	}
	expired := make(chan time.Time, 1)
	expired <- time.Time{}
	if got := n.park(context.Background(), expired); got != parkTimedOut {
		t.Fatalf("expected timed out, got %d", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := n.park(ctx, nil); got != parkCancelled {
		t.Fatalf("expected cancelled, got %d", got)
	}
}
