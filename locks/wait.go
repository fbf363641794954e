package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Wait releases every hold thread has on the lock, parks until notified,
// timed out or cancelled, and then reacquires the released holds in the
// order they were originally taken. A zero timeout waits without bound.
//
// Reacquisition always completes, even when ctx has ended; in that case the
// returned error wraps ErrInterrupted.
func (c *ClientLock) Wait(ctx context.Context, thread ThreadID, listener WaitListener, token any, timeout time.Duration) error {
	c.markUsed()
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}
	ctx, span := c.tracer.Start(ctx, "locks.wait", trace.WithAttributes(
		attribute.String("locklease.lock", string(c.id)),
		attribute.String("locklease.thread", thread.String()),
		attribute.Int64("locklease.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	c.mu.Lock()
	if !c.holdsWriteLocked(thread) {
		c.mu.Unlock()
		return fmt.Errorf("%w: thread %s waits on %s without a write hold", ErrIllegalMonitorState, thread, c.id)
	}
	var waiter *node
	flush := c.flushOnUnlockAllLocked(thread)
	if !flush {
		waiter = c.releaseAllAndPushWaiterLocked(thread, token, timeout)
	}
	c.mu.Unlock()

	if flush {
		w, err := c.flushAndPushWaiter(ctx, thread, token, timeout)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		waiter = w
	}
	c.unparkFirstQueuedAcquire()

	waitErr := c.parkWaiter(ctx, thread, waiter, listener)

	c.mu.Lock()
	c.moveWaiterToPendingLocked(waiter)
	c.mu.Unlock()
	reacquireErr := c.acquireAll(context.WithoutCancel(ctx), waiter)
	if !errors.Is(reacquireErr, ErrNotRunning) && !c.holdsWrite(thread) {
		c.logger.Error("lock.wait.reacquire_failed", "thread", thread, "error", reacquireErr, "state", c.String())
	}
	if reacquireErr != nil {
		span.RecordError(reacquireErr)
		span.SetStatus(codes.Error, reacquireErr.Error())
		return reacquireErr
	}
	if waitErr != nil {
		span.RecordError(waitErr)
	}
	return waitErr
}

// flushOnUnlockAllLocked reports whether releasing all of thread's holds has
// to flush first.
func (c *ClientLock) flushOnUnlockAllLocked(thread ThreadID) bool {
	return c.greediness.FlushOnUnlock() || c.holdsLocked(thread, LockLevel.IsSyncWrite)
}

func (c *ClientLock) flushAndPushWaiter(ctx context.Context, thread ThreadID, token any, timeout time.Duration) (*node, error) {
	for {
		c.mu.Lock()
		gen := c.flushGen
		c.mu.Unlock()
		if err := c.remote.Flush(ctx, c.id); err != nil {
			return nil, c.flushError(ctx, err)
		}
		c.mu.Lock()
		if gen == c.flushGen {
			w := c.releaseAllAndPushWaiterLocked(thread, token, timeout)
			c.mu.Unlock()
			return w, nil
		}
		current := c.flushGen
		c.mu.Unlock()
		c.logger.Info("lock.flush.retry", "site", "wait", "thread", thread, "expected_generation", gen, "generation", current)
		c.metrics.recordFlushRetry("wait")
	}
}

func (c *ClientLock) releaseAllAndPushWaiterLocked(thread ThreadID, token any, timeout time.Duration) *node {
	var holds []*node
	for _, n := range c.nodes.all() {
		if n.isHold() && n.owner == thread {
			holds = append(holds, n)
		}
	}
	for _, h := range holds {
		c.nodes.remove(h)
	}
	w := newWaiter(thread, token, holds, timeout)
	c.nodes.pushBack(w)
	switch {
	case c.greediness.IsFree():
		c.remote.Wait(c.id, thread, timeout)
	case c.greediness.IsRecalled() && c.canRecallNowLocked():
		c.recallCommitLocked(false)
	}
	return w
}

func (c *ClientLock) parkWaiter(ctx context.Context, thread ThreadID, w *node, listener WaitListener) error {
	if listener != nil {
		listener.HandleWaitEvent()
	}
	var expiry <-chan time.Time
	if w.timeout > 0 {
		expiry = c.clock.After(w.timeout)
	}
	if w.park(ctx, expiry) != parkCancelled {
		return nil
	}
	c.mu.Lock()
	if c.greediness.IsFree() {
		c.remote.Interrupt(c.id, thread)
	}
	c.moveWaiterToPendingLocked(w)
	c.mu.Unlock()
	return interrupted(context.Cause(ctx))
}

// moveWaiterToPendingLocked turns a waiter into its queued reacquires. It is
// a no-op once the waiter has left the list.
func (c *ClientLock) moveWaiterToPendingLocked(w *node) {
	if c.nodes.remove(w) {
		c.addPendingAcquiresLocked(w)
	}
}

func (c *ClientLock) addPendingAcquiresLocked(w *node) {
	for _, r := range w.reacquires {
		c.nodes.pushBack(r)
	}
}

func (c *ClientLock) acquireAll(ctx context.Context, w *node) error {
	for _, r := range w.reacquires {
		if err := c.acquireQueued(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Notify wakes one local waiter. When no lease is held the notification
// belongs to the authority, which may pick a waiter in any client; in that
// case it is forwarded and Notify reports true.
func (c *ClientLock) Notify(thread ThreadID) (bool, error) {
	return c.notify(thread, false)
}

// NotifyAll wakes every local waiter, or forwards to the authority when no
// lease is held.
func (c *ClientLock) NotifyAll(thread ThreadID) (bool, error) {
	return c.notify(thread, true)
}

func (c *ClientLock) notify(thread ThreadID, all bool) (bool, error) {
	c.markUsed()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.holdsWriteLocked(thread) {
		return false, fmt.Errorf("%w: thread %s notifies on %s without a write hold", ErrIllegalMonitorState, thread, c.id)
	}
	if c.greediness.IsFree() {
		c.remote.Notify(c.id, thread, all)
		return true, nil
	}
	var woken []*node
	for _, n := range c.nodes.all() {
		if n.isWaiter() {
			woken = append(woken, n)
			if !all {
				break
			}
		}
	}
	for _, w := range woken {
		c.nodes.remove(w)
		c.addPendingAcquiresLocked(w)
		w.unpark()
	}
	c.logger.Trace("lock.notify.local", "thread", thread, "all", all, "woken", len(woken))
	return false, nil
}

// Notified handles an authority notification for thread's waiter.
func (c *ClientLock) Notified(thread ThreadID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes.all() {
		if n.isWaiter() && n.owner == thread {
			c.nodes.remove(n)
			c.addPendingAcquiresLocked(n)
			n.unpark()
			return
		}
	}
	c.logger.Debug("lock.notified.no_waiter", "thread", thread)
}
