package locks

import (
	"fmt"
	"time"
)

// ContextState tags a snapshot record.
type ContextState uint8

const (
	StateGreedyHolderRead ContextState = iota + 1
	StateGreedyHolderWrite
	StateHolderRead
	StateHolderWrite
	StatePendingRead
	StatePendingWrite
	StateTryPendingRead
	StateTryPendingWrite
	StateWaiter
)

var contextStateNames = [...]string{
	StateGreedyHolderRead:  "GREEDY_HOLDER_READ",
	StateGreedyHolderWrite: "GREEDY_HOLDER_WRITE",
	StateHolderRead:        "HOLDER_READ",
	StateHolderWrite:       "HOLDER_WRITE",
	StatePendingRead:       "PENDING_READ",
	StatePendingWrite:      "PENDING_WRITE",
	StateTryPendingRead:    "TRY_PENDING_READ",
	StateTryPendingWrite:   "TRY_PENDING_WRITE",
	StateWaiter:            "WAITER",
}

func (s ContextState) String() string {
	if s > 0 && int(s) < len(contextStateNames) {
		return contextStateNames[s]
	}
	return fmt.Sprintf("ContextState(%d)", uint8(s))
}

// Level returns the server level carried by s. Waiters carry none.
func (s ContextState) Level() (ServerLockLevel, bool) {
	switch s {
	case StateGreedyHolderRead, StateHolderRead, StatePendingRead, StateTryPendingRead:
		return ServerRead, true
	case StateGreedyHolderWrite, StateHolderWrite, StatePendingWrite, StateTryPendingWrite:
		return ServerWrite, true
	default:
		return 0, false
	}
}

// IsGreedy reports whether s describes a client-wide lease.
func (s ContextState) IsGreedy() bool {
	return s == StateGreedyHolderRead || s == StateGreedyHolderWrite
}

// IsHolder reports whether s describes a per-thread hold.
func (s ContextState) IsHolder() bool {
	return s == StateHolderRead || s == StateHolderWrite
}

// IsPending reports whether s describes a queued acquire, bounded or not.
func (s ContextState) IsPending() bool {
	return s == StatePendingRead || s == StatePendingWrite || s.IsTryPending()
}

// IsTryPending reports whether s describes a bounded-time queued acquire.
func (s ContextState) IsTryPending() bool {
	return s == StateTryPendingRead || s == StateTryPendingWrite
}

// LockContext is one record of a lock state snapshot, exchanged with the
// authority on recall commit and on reconnect.
type LockContext struct {
	Lock    LockID
	Client  ClientID
	Thread  ThreadID
	State   ContextState
	Timeout time.Duration
}

func (c LockContext) String() string {
	if c.Timeout != 0 {
		return fmt.Sprintf("%s[%s/%s %s timeout=%s]", c.Lock, c.Client, c.Thread, c.State, c.Timeout)
	}
	return fmt.Sprintf("%s[%s/%s %s]", c.Lock, c.Client, c.Thread, c.State)
}

// HandshakeBuilder collects the lock contexts sent when a session is
// re-established.
type HandshakeBuilder interface {
	AddLockContext(LockContext)
}

// ContextCollector is a HandshakeBuilder that keeps contexts in memory.
type ContextCollector struct {
	Contexts []LockContext
}

// AddLockContext appends c.
func (b *ContextCollector) AddLockContext(c LockContext) {
	b.Contexts = append(b.Contexts, c)
}
