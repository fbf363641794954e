package locks

import (
	"time"
)

// Recall handles an authority request to give up the lease. interest is the
// level the authority wants for another client; lease is a hint for how long
// the client may keep a lease while it still has queued requests. It reports
// whether the client keeps a greedy lease after the call.
func (c *ClientLock) Recall(interest ServerLockLevel, lease time.Duration, batch bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recallLocked(interest, lease, batch)
}

func (c *ClientLock) recallLocked(interest ServerLockLevel, lease time.Duration, batch bool) bool {
	before := c.greediness
	c.setGreedinessLocked(c.greediness.recalled(interest, lease, c.pendingCountLocked() > 0))
	c.logger.Debug("lock.recall", "interest", interest, "lease", lease, "batch", batch, "from", before.String(), "to", c.greediness.String())
	if c.greediness.IsRecalled() {
		c.doRecallLocked(batch)
		return false
	}
	return c.greediness.IsGreedy()
}

// doRecallLocked starts a recall once no write hold blocks it.
func (c *ClientLock) doRecallLocked(batch bool) {
	if !c.canRecallNowLocked() {
		return
	}
	gen := c.flushGen
	c.resetPinIfNecessaryLocked()
	if c.remote.AsyncFlush(c.id, c.recallFlushed(gen, batch)) {
		c.recallCommitLocked(batch)
		return
	}
	c.setGreedinessLocked(c.greediness.recallInProgress())
}

func (c *ClientLock) recallFlushed(gen uint64, batch bool) FlushCallback {
	return func(LockID) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.greediness.IsRecallInProgress() {
			return
		}
		if gen != c.flushGen {
			c.logger.Info("lock.flush.retry", "site", "recall", "expected_generation", gen, "generation", c.flushGen)
			c.metrics.recordFlushRetry("recall")
			if !c.remote.AsyncFlush(c.id, c.recallFlushed(c.flushGen, batch)) {
				return
			}
		}
		c.recallCommitLocked(batch)
	}
}

// recallCommitLocked hands the lease back together with the local state the
// authority needs to take over queued requests and waiters.
func (c *ClientLock) recallCommitLocked(batch bool) {
	if c.greediness.IsFree() {
		return
	}
	post := c.greediness.recallCommitted()
	var contexts []LockContext
	if g, ok := post.context(c.id, c.remote.ClientID()); ok && post.IsGreedy() {
		contexts = []LockContext{g}
	} else {
		contexts = c.filteredSnapshotLocked(c.remote.ClientID(), false)
	}
	for _, n := range c.nodes.all() {
		if !n.isPending() {
			continue
		}
		if post.IsGreedy() {
			n.allowDelegation()
		} else {
			n.markDelegated("attached to recall commit")
		}
	}
	c.remote.RecallCommit(c.id, contexts, batch)
	c.resetPinIfNecessaryLocked()
	c.setGreedinessLocked(post)
	if post.IsGreedy() {
		c.unparkFirstLocked()
	}
	c.metrics.recordRecallCommit(post, batch)
	c.logger.Debug("lock.recall.commit", "greediness", post.String(), "contexts", len(contexts), "batch", batch)
}

// Award records a grant from the authority. A grant to VMThread is a
// client-wide lease; any other grant belongs to the queued acquire of thread.
// A per-thread grant with no matching queued acquire is returned at once.
func (c *ClientLock) Award(thread ThreadID, level ServerLockLevel, award AwardID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if thread == VMThread {
		next, err := c.greediness.awarded(level)
		if err != nil {
			return err
		}
		c.awardID = award
		c.setGreedinessLocked(next)
		c.logger.Debug("lock.award.greedy", "level", level, "award", award, "greediness", next.String())
		c.unparkFirstLocked()
		return nil
	}
	c.awardID = award
	n := c.queuedAcquireLocked(thread, level)
	if n == nil {
		c.logger.Debug("lock.award.unclaimed", "thread", thread, "level", level, "award", award)
		c.resetPinIfNecessaryLocked()
		c.remote.Unlock(c.id, thread, level)
		return nil
	}
	n.awarded = true
	n.unpark()
	return nil
}

// Refuse tells a bounded queued acquire of thread that the authority will not
// grant it.
func (c *ClientLock) Refuse(thread ThreadID, level ServerLockLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.queuedAcquireLocked(thread, level)
	switch {
	case n == nil:
		c.logger.Debug("lock.refuse.unclaimed", "thread", thread, "level", level)
	case n.kind != kindTryPending:
		c.logger.Warn("lock.refuse.unbounded", "thread", thread, "level", level)
	default:
		n.refused = true
		n.unpark()
	}
}
