package locks

import (
	"context"
	"time"
)

// FlushCallback runs once outstanding activity for a lock has been flushed.
type FlushCallback func(LockID)

// RemoteLockManager is the outbound contract to the lock authority.
//
// Every method except Flush is a non-blocking enqueue and may be called while
// a coordinator holds its internal mutex. Implementations must never invoke a
// FlushCallback on the goroutine that called AsyncFlush.
type RemoteLockManager interface {
	ClientID() ClientID
	Lock(lock LockID, thread ThreadID, level ServerLockLevel)
	TryLock(lock LockID, thread ThreadID, level ServerLockLevel, timeout time.Duration)
	Unlock(lock LockID, thread ThreadID, level ServerLockLevel)
	Wait(lock LockID, thread ThreadID, timeout time.Duration)
	Notify(lock LockID, thread ThreadID, all bool)
	Interrupt(lock LockID, thread ThreadID)
	// Flush blocks until outstanding activity for lock is flushed.
	Flush(ctx context.Context, lock LockID) error
	// AsyncFlush reports true when nothing is outstanding, in which case cb
	// is not invoked. Otherwise cb runs later on another goroutine.
	AsyncFlush(lock LockID, cb FlushCallback) bool
	RecallCommit(lock LockID, contexts []LockContext, batch bool)
	IsShutdown() bool
}

// Inbound is the set of authority-driven events a client accepts.
type Inbound interface {
	Award(lock LockID, thread ThreadID, level ServerLockLevel, award AwardID)
	Refuse(lock LockID, thread ThreadID, level ServerLockLevel)
	Recall(lock LockID, interest ServerLockLevel, lease time.Duration, batch bool) bool
	Notified(lock LockID, thread ThreadID)
	// Shutdown reports that the authority is gone. Parked callers wake and
	// fail with ErrNotRunning.
	Shutdown()
}

// WaitListener is told once a waiting thread has released its holds and is
// about to park.
type WaitListener interface {
	HandleWaitEvent()
}

// WaitListenerFunc adapts a function to WaitListener.
type WaitListenerFunc func()

// HandleWaitEvent calls f.
func (f WaitListenerFunc) HandleWaitEvent() {
	if f != nil {
		f()
	}
}
