package locks

import "fmt"

// Unlock releases one hold of level by thread. When the lease is being
// recalled, or the hold is a synchronous write, the release only becomes
// visible after outstanding activity has been flushed.
func (c *ClientLock) Unlock(thread ThreadID, level LockLevel) error {
	c.markUsed()
	if level == LevelConcurrent {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hold := c.findReleasableHoldLocked(thread, level)
	if hold == nil {
		return fmt.Errorf("%w: thread %s does not hold %s on %s", ErrIllegalMonitorState, thread, level, c.id)
	}
	if c.flushOnUnlockLocked(hold) && !c.flushInProgressLocked() {
		hold.flushInProgress = true
		c.metrics.recordRelease("flush")
		if c.remote.AsyncFlush(c.id, c.unlockFlushed(hold, c.flushGen)) {
			c.releaseOnFlushLocked(hold)
		}
	} else {
		c.releaseLocked(hold)
	}
	c.unparkFirstLocked()
	return nil
}

// flushOnUnlockLocked reports whether releasing hold must wait for a flush.
// A release masked by another hold of the same thread is invisible outside
// this client and never flushes.
func (c *ClientLock) flushOnUnlockLocked(hold *node) bool {
	if !hold.level.IsSyncWrite() && !c.greediness.FlushOnUnlock() {
		return false
	}
	return !c.maskedLocked(hold)
}

// maskedLocked reports whether another hold of the same thread hides the
// release of hold. Any hold masks a read release; only a write-family hold
// masks a write release.
func (c *ClientLock) maskedLocked(hold *node) bool {
	for _, n := range c.nodes.all() {
		if n == hold || !n.isHold() || n.owner != hold.owner {
			continue
		}
		if !hold.level.IsWrite() || n.level.IsWrite() {
			return true
		}
	}
	return false
}

func (c *ClientLock) releaseLocked(hold *node) {
	c.nodes.remove(hold)
	switch {
	case c.greediness.IsFree():
		c.remoteUnlockLocked(hold)
	case c.greediness.IsRecalled() && c.canRecallNowLocked():
		c.metrics.recordRelease("recall")
		c.recallCommitLocked(false)
	default:
		c.metrics.recordRelease("local")
	}
}

func (c *ClientLock) remoteUnlockLocked(hold *node) {
	if c.maskedLocked(hold) {
		c.metrics.recordRelease("masked")
		return
	}
	c.resetPinIfNecessaryLocked()
	c.remote.Unlock(c.id, hold.owner, hold.level.ServerLevel())
	c.metrics.recordRelease("remote")
}

// unlockFlushed completes a flushed release. A lease change while the flush
// ran means the flush covered the wrong level, so it is reissued.
func (c *ClientLock) unlockFlushed(hold *node, gen uint64) FlushCallback {
	return func(LockID) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !hold.attached {
			hold.flushInProgress = false
			c.flushed.Broadcast()
			return
		}
		if gen != c.flushGen {
			c.logger.Info("lock.flush.retry", "site", "unlock", "thread", hold.owner, "expected_generation", gen, "generation", c.flushGen)
			c.metrics.recordFlushRetry("unlock")
			if !c.remote.AsyncFlush(c.id, c.unlockFlushed(hold, c.flushGen)) {
				return
			}
		}
		c.releaseOnFlushLocked(hold)
	}
}

func (c *ClientLock) releaseOnFlushLocked(hold *node) {
	hold.flushInProgress = false
	c.flushed.Broadcast()
	if !hold.attached {
		return
	}
	c.releaseLocked(hold)
	c.unparkFirstLocked()
}
