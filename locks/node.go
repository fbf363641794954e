package locks

import (
	"context"
	"fmt"
	"time"
)

type nodeKind uint8

const (
	kindHold nodeKind = iota
	kindPending
	kindTryPending
	kindWaiter
)

func (k nodeKind) String() string {
	switch k {
	case kindHold:
		return "hold"
	case kindPending:
		return "pending"
	case kindTryPending:
		return "try-pending"
	case kindWaiter:
		return "waiter"
	default:
		return "unknown"
	}
}

// acquireResult is the outcome of one acquisition attempt.
type acquireResult uint8

const (
	resultUnknown acquireResult = iota
	resultSharedSuccess
	resultSuccess
	resultFailure
	resultUsedServer
	resultWaitForFlush
)

func (r acquireResult) String() string {
	switch r {
	case resultSharedSuccess:
		return "shared_success"
	case resultSuccess:
		return "success"
	case resultFailure:
		return "failure"
	case resultUsedServer:
		return "used_server"
	case resultWaitForFlush:
		return "wait_for_flush"
	default:
		return "unknown"
	}
}

// isShared reports whether other queued acquires may now make progress.
func (r acquireResult) isShared() bool { return r != resultSuccess }

func (r acquireResult) isSuccess() bool { return r == resultSuccess || r == resultSharedSuccess }

func (r acquireResult) isFailure() bool { return r == resultFailure }

func (r acquireResult) isKnown() bool {
	return r == resultSuccess || r == resultSharedSuccess || r == resultFailure || r == resultWaitForFlush
}

func successFor(level LockLevel) acquireResult {
	if level.IsWrite() {
		return resultSuccess
	}
	return resultSharedSuccess
}

type parkOutcome uint8

const (
	parkSignalled parkOutcome = iota
	parkTimedOut
	parkCancelled
)

// node is one entry of a lock's state list. The kind selects which of the
// variant fields are meaningful. All fields except signal are guarded by the
// owning ClientLock's mutex.
type node struct {
	kind     nodeKind
	owner    ThreadID
	level    LockLevel
	attached bool

	// hold
	flushInProgress bool

	// pending and try-pending
	delegates  bool
	delegation string
	awarded    bool
	refused    bool

	// try-pending budget or waiter timeout
	timeout time.Duration

	// waiter
	token      any
	reacquires []*node

	signal chan struct{}
}

func newHold(owner ThreadID, level LockLevel) *node {
	return &node{kind: kindHold, owner: owner, level: level}
}

func newPending(owner ThreadID, level LockLevel) *node {
	return &node{kind: kindPending, owner: owner, level: level, delegates: true, signal: make(chan struct{}, 1)}
}

func newTryPending(owner ThreadID, level LockLevel, timeout time.Duration) *node {
	n := newPending(owner, level)
	n.kind = kindTryPending
	n.timeout = timeout
	return n
}

// newWaiter builds a waiter from the holds released to enter the wait. holds
// is ordered head to tail, newest first; the reacquire list is ordered oldest
// first.
func newWaiter(owner ThreadID, token any, holds []*node, timeout time.Duration) *node {
	w := &node{kind: kindWaiter, owner: owner, token: token, timeout: timeout, signal: make(chan struct{}, 1)}
	w.reacquires = make([]*node, 0, len(holds))
	for i := len(holds) - 1; i >= 0; i-- {
		w.reacquires = append(w.reacquires, newPending(owner, holds[i].level))
	}
	return w
}

func (n *node) isHold() bool { return n.kind == kindHold }

func (n *node) isPending() bool { return n.kind == kindPending || n.kind == kindTryPending }

func (n *node) isWaiter() bool { return n.kind == kindWaiter }

func (n *node) markDelegated(reason string) {
	n.delegates = false
	n.delegation = reason
}

func (n *node) allowDelegation() {
	n.delegates = true
	n.delegation = ""
}

// allowsHold answers whether a request by owner at level can be decided by
// looking at this node alone.
func (n *node) allowsHold(owner ThreadID, level LockLevel) acquireResult {
	switch n.kind {
	case kindHold:
		if n.owner == owner {
			if n.flushInProgress {
				return resultWaitForFlush
			}
			if n.level.IsWrite() {
				return resultSuccess
			}
			if level.IsRead() {
				return resultSharedSuccess
			}
			return resultUnknown
		}
		if n.level.IsWrite() || level.IsWrite() {
			return resultFailure
		}
	case kindPending, kindTryPending:
		if n.owner == owner && n.level == level && n.awarded {
			return successFor(level)
		}
	}
	return resultUnknown
}

func (n *node) context(lock LockID, client ClientID) LockContext {
	c := LockContext{Lock: lock, Client: client, Thread: n.owner}
	write := n.level.IsWrite()
	switch n.kind {
	case kindHold:
		c.State = StateHolderRead
		if write {
			c.State = StateHolderWrite
		}
	case kindPending:
		c.State = StatePendingRead
		if write {
			c.State = StatePendingWrite
		}
	case kindTryPending:
		c.State = StateTryPendingRead
		if write {
			c.State = StateTryPendingWrite
		}
		c.Timeout = n.timeout
	case kindWaiter:
		c.State = StateWaiter
		c.Timeout = n.timeout
	}
	return c
}

// park blocks until the node is unparked, timeout fires or ctx ends. A nil
// timeout never fires.
func (n *node) park(ctx context.Context, timeout <-chan time.Time) parkOutcome {
	select {
	case <-n.signal:
		return parkSignalled
	case <-timeout:
		return parkTimedOut
	case <-ctx.Done():
		return parkCancelled
	}
}

func (n *node) unpark() {
	if n.signal == nil {
		return
	}
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *node) String() string {
	switch n.kind {
	case kindHold:
		if n.flushInProgress {
			return fmt.Sprintf("hold[%s %s flushing]", n.owner, n.level)
		}
		return fmt.Sprintf("hold[%s %s]", n.owner, n.level)
	case kindWaiter:
		if n.token != nil {
			return fmt.Sprintf("waiter[%s token=%v reacquires=%d timeout=%s]", n.owner, n.token, len(n.reacquires), n.timeout)
		}
		return fmt.Sprintf("waiter[%s reacquires=%d timeout=%s]", n.owner, len(n.reacquires), n.timeout)
	default:
		state := "local"
		switch {
		case n.refused:
			state = "refused"
		case n.awarded:
			state = "awarded"
		case !n.delegates:
			state = "delegated: " + n.delegation
		}
		if n.kind == kindTryPending {
			return fmt.Sprintf("try-pending[%s %s timeout=%s %s]", n.owner, n.level, n.timeout, state)
		}
		return fmt.Sprintf("pending[%s %s %s]", n.owner, n.level, state)
	}
}

// stateList is the ordered node sequence of one lock. New holds go to the
// front, queued requests and waiters to the back.
type stateList struct {
	nodes []*node
}

func (l *stateList) len() int { return len(l.nodes) }

func (l *stateList) pushFront(n *node) {
	l.nodes = append(l.nodes, nil)
	copy(l.nodes[1:], l.nodes)
	l.nodes[0] = n
	n.attached = true
}

func (l *stateList) pushBack(n *node) {
	l.nodes = append(l.nodes, n)
	n.attached = true
}

func (l *stateList) indexOf(n *node) int {
	for i, cur := range l.nodes {
		if cur == n {
			return i
		}
	}
	return -1
}

// remove detaches n and reports whether it was present.
func (l *stateList) remove(n *node) bool {
	i := l.indexOf(n)
	if i < 0 {
		return false
	}
	copy(l.nodes[i:], l.nodes[i+1:])
	l.nodes[len(l.nodes)-1] = nil
	l.nodes = l.nodes[:len(l.nodes)-1]
	n.attached = false
	return true
}

// clear detaches every node and returns them in list order.
func (l *stateList) clear() []*node {
	out := l.nodes
	l.nodes = nil
	for _, n := range out {
		n.attached = false
	}
	return out
}

// all returns the live slice; callers must not mutate the list while ranging.
func (l *stateList) all() []*node { return l.nodes }

func (l *stateList) firstPending() *node {
	for _, n := range l.nodes {
		if n.isPending() {
			return n
		}
	}
	return nil
}

// pendingAfter returns the queued acquires that follow n.
func (l *stateList) pendingAfter(n *node) []*node {
	i := l.indexOf(n)
	if i < 0 {
		return nil
	}
	var out []*node
	for _, cur := range l.nodes[i+1:] {
		if cur.isPending() {
			out = append(out, cur)
		}
	}
	return out
}
