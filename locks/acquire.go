package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/locklease/internal/clock"
)

// blockingTimeout marks an acquire that never gives up.
const blockingTimeout time.Duration = -1

// Lock acquires level for thread. It parks until the lock is granted, the
// authority shuts down or ctx ends.
func (c *ClientLock) Lock(ctx context.Context, thread ThreadID, level LockLevel) error {
	c.markUsed()
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}
	ctx, span := c.startSpan(ctx, "locks.lock", thread, level)
	defer span.End()
	start := c.clock.Now()

	res, err := c.tryAcquireLocally(thread, level)
	if err != nil {
		return c.finishAcquire(ctx, span, level, start, false, err)
	}
	if res.isSuccess() {
		return c.finishAcquire(ctx, span, level, start, true, nil)
	}
	n := newPending(thread, level)
	c.mu.Lock()
	c.nodes.pushBack(n)
	c.mu.Unlock()
	err = c.acquireQueued(ctx, n)
	return c.finishAcquire(ctx, span, level, start, err == nil, err)
}

// TryLock acquires level for thread only if it can be granted without
// queueing behind anyone.
func (c *ClientLock) TryLock(ctx context.Context, thread ThreadID, level LockLevel) (bool, error) {
	c.markUsed()
	ctx, span := c.startSpan(ctx, "locks.try_lock", thread, level)
	defer span.End()
	start := c.clock.Now()

	res, err := c.tryAcquireLocally(thread, level)
	if err != nil {
		return false, c.finishAcquire(ctx, span, level, start, false, err)
	}
	if res.isKnown() {
		ok := res.isSuccess()
		return ok, c.finishAcquire(ctx, span, level, start, ok, nil)
	}
	ok, err := c.acquireQueuedTimeout(ctx, thread, level, 0)
	return ok, c.finishAcquire(ctx, span, level, start, ok, err)
}

// TryLockTimeout acquires level for thread, giving up after timeout. A
// negative timeout behaves like Lock.
func (c *ClientLock) TryLockTimeout(ctx context.Context, thread ThreadID, level LockLevel, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		err := c.Lock(ctx, thread, level)
		return err == nil, err
	}
	c.markUsed()
	if err := ctx.Err(); err != nil {
		return false, interrupted(err)
	}
	ctx, span := c.startSpan(ctx, "locks.try_lock_timeout", thread, level)
	defer span.End()
	span.SetAttributes(attribute.Int64("locklease.timeout_ms", timeout.Milliseconds()))
	start := c.clock.Now()

	res, err := c.tryAcquireLocally(thread, level)
	if err != nil {
		return false, c.finishAcquire(ctx, span, level, start, false, err)
	}
	if res.isSuccess() {
		return true, c.finishAcquire(ctx, span, level, start, true, nil)
	}
	ok, err := c.acquireQueuedTimeout(ctx, thread, level, timeout)
	return ok, c.finishAcquire(ctx, span, level, start, ok, err)
}

func (c *ClientLock) startSpan(ctx context.Context, name string, thread ThreadID, level LockLevel) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("locklease.lock", string(c.id)),
		attribute.String("locklease.thread", thread.String()),
		attribute.String("locklease.level", level.String()),
	))
}

func (c *ClientLock) finishAcquire(ctx context.Context, span trace.Span, level LockLevel, start time.Time, ok bool, err error) error {
	outcome := "granted"
	switch {
	case errors.Is(err, ErrInterrupted):
		outcome = "interrupted"
	case errors.Is(err, ErrNotRunning):
		outcome = "not_running"
	case err != nil:
		outcome = "error"
	case !ok:
		outcome = "refused"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("locklease.acquire.outcome", outcome))
	c.metrics.recordAcquire(ctx, outcome, level, c.clock.Now().Sub(start))
	return err
}

// tryAcquireLocally decides a request from local state alone.
func (c *ClientLock) tryAcquireLocally(thread ThreadID, level LockLevel) (acquireResult, error) {
	if level == LevelConcurrent {
		return resultSharedSuccess, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		res, err := c.tryAcquireUsingThreadStateLocked(thread, level)
		if err != nil {
			return res, err
		}
		if res == resultWaitForFlush {
			if c.remote.IsShutdown() {
				return resultUnknown, ErrNotRunning
			}
			c.flushed.Wait()
			continue
		}
		if res.isKnown() {
			return res, nil
		}
		break
	}
	if c.greediness.IsGarbage() {
		return resultUnknown, ErrGarbageLock
	}
	if c.greediness.CanAward(level) {
		c.nodes.pushFront(newHold(thread, level))
		return successFor(level), nil
	}
	return resultUnknown, nil
}

func (c *ClientLock) tryAcquireUsingThreadStateLocked(thread ThreadID, level LockLevel) (acquireResult, error) {
	if c.flushInProgressLocked() {
		return resultWaitForFlush, nil
	}
	for _, n := range c.nodes.all() {
		res := n.allowsHold(thread, level)
		switch {
		case !res.isKnown():
			continue
		case res == resultWaitForFlush:
			return res, nil
		case res.isSuccess():
			c.nodes.pushFront(newHold(thread, level))
			return res, nil
		default:
			return res, c.checkUpgradeLocked(thread, level)
		}
	}
	return resultUnknown, c.checkUpgradeLocked(thread, level)
}

func (c *ClientLock) checkUpgradeLocked(thread ThreadID, level LockLevel) error {
	if level.IsWrite() && c.holdsLocked(thread, LockLevel.IsRead) {
		return ErrUpgradeNotSupported
	}
	return nil
}

// tryAcquire runs one attempt for a queued node: locally first, then through
// the lease state, delegating to the authority when needed.
func (c *ClientLock) tryAcquire(ctx context.Context, thread ThreadID, level LockLevel, timeout time.Duration, n *node) (acquireResult, error) {
	res, err := c.tryAcquireLocally(thread, level)
	if err != nil || res.isKnown() {
		return res, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !n.delegates {
		return res, nil
	}
	next, err := c.greediness.requested(level.ServerLevel())
	if err != nil {
		return resultUnknown, err
	}
	c.setGreedinessLocked(next)

	switch {
	case c.greediness.IsFree():
		if timeout < 0 {
			c.remote.Lock(c.id, thread, level.ServerLevel())
		} else {
			c.remote.TryLock(c.id, thread, level.ServerLevel(), timeout)
		}
		n.markDelegated("delegated to server")
		return resultUsedServer, nil
	case !c.greediness.IsRecalled():
		n.markDelegated("waiting for recall")
		return resultUsedServer, nil
	}

	for {
		gen := c.flushGen
		c.mu.Unlock()
		err := c.remote.Flush(ctx, c.id)
		c.mu.Lock()
		if err != nil {
			return resultUnknown, c.flushError(ctx, err)
		}
		if gen == c.flushGen {
			if c.greediness.IsRecalled() && c.canRecallNowLocked() {
				c.recallCommitLocked(false)
			}
			n.markDelegated("waiting for recall")
			return resultUsedServer, nil
		}
		c.logger.Info("lock.flush.retry", "site", "acquire", "thread", thread, "expected_generation", gen, "generation", c.flushGen)
		c.metrics.recordFlushRetry("acquire")
	}
}

func (c *ClientLock) flushError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return interrupted(context.Cause(ctx))
	}
	return fmt.Errorf("locks: flush %s: %w", c.id, err)
}

// acquireQueued drives a queued node until it holds the lock.
func (c *ClientLock) acquireQueued(ctx context.Context, n *node) error {
	for {
		c.reattach(n)
		res, err := c.tryAcquire(ctx, n.owner, n.level, blockingTimeout, n)
		if err != nil {
			c.abortAndRemove(n)
			return err
		}
		c.unparkFollowers(n, res)
		if res.isSuccess() {
			c.detach(n)
			return nil
		}
		if c.remote.IsShutdown() {
			c.abortAndRemove(n)
			return ErrNotRunning
		}
		outcome := n.park(ctx, nil)
		if c.remote.IsShutdown() {
			c.abortAndRemove(n)
			return ErrNotRunning
		}
		if outcome == parkCancelled {
			c.abortAndRemove(n)
			return interrupted(context.Cause(ctx))
		}
	}
}

// acquireQueuedTimeout queues a bounded acquire and drives it until it is
// granted, refused or out of budget.
func (c *ClientLock) acquireQueuedTimeout(ctx context.Context, thread ThreadID, level LockLevel, timeout time.Duration) (bool, error) {
	n := newTryPending(thread, level, timeout)
	c.mu.Lock()
	c.nodes.pushBack(n)
	c.mu.Unlock()

	last := c.clock.Now()
	for !c.isRefused(n) {
		c.reattach(n)
		res, err := c.tryAcquire(ctx, thread, level, timeout, n)
		if err != nil {
			c.abortAndRemove(n)
			return false, err
		}
		c.unparkFollowers(n, res)
		if res.isSuccess() {
			c.detach(n)
			return true, nil
		}
		canDelegate := c.canDelegate(n)
		if timeout <= 0 && (res.isFailure() || canDelegate) {
			c.abortAndRemove(n)
			return false, nil
		}
		if c.remote.IsShutdown() {
			c.abortAndRemove(n)
			return false, ErrNotRunning
		}
		var expiry <-chan time.Time
		if canDelegate {
			expiry = c.clock.After(timeout)
		}
		outcome := n.park(ctx, expiry)
		if c.remote.IsShutdown() {
			c.abortAndRemove(n)
			return false, ErrNotRunning
		}
		if outcome == parkCancelled {
			c.abortAndRemove(n)
			return false, interrupted(context.Cause(ctx))
		}
		timeout, last = clock.Remaining(c.clock, timeout, last)
		c.mu.Lock()
		n.timeout = timeout
		c.mu.Unlock()
	}

	c.detach(n)
	res, err := c.tryAcquireLocally(thread, level)
	if err != nil {
		return false, err
	}
	if res.isShared() {
		c.unparkFirstQueuedAcquire()
	}
	return res.isSuccess(), nil
}

// reattach puts a node dropped by Cleanup back on the queue so it can be
// re-delegated.
func (c *ClientLock) reattach(n *node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.attached {
		return
	}
	n.awarded = false
	n.allowDelegation()
	c.nodes.pushBack(n)
}

func (c *ClientLock) detach(n *node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes.remove(n)
}

func (c *ClientLock) isRefused(n *node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return n.refused
}

func (c *ClientLock) canDelegate(n *node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return n.delegates
}

// unparkFollowers wakes the next queued acquire after a shared outcome, or
// only the bounded acquires behind n after an exclusive one so they can
// observe it and give up.
func (c *ClientLock) unparkFollowers(n *node, res acquireResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	followers := c.nodes.pendingAfter(n)
	if res.isShared() {
		if len(followers) > 0 {
			followers[0].unpark()
		}
		return
	}
	for _, f := range followers {
		if f.kind == kindTryPending {
			f.unpark()
		}
	}
}

// abortAndRemove drops a queued node. An award that arrived for it is
// returned to the authority.
func (c *ClientLock) abortAndRemove(n *node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes.remove(n) && n.awarded {
		c.resetPinIfNecessaryLocked()
		c.remote.Unlock(c.id, n.owner, n.level.ServerLevel())
		c.logger.Debug("lock.acquire.award_returned", "thread", n.owner, "level", n.level)
	}
	c.unparkFirstLocked()
}
