package locks

// maxIdleCycles caps the idle counter.
const maxIdleCycles = 127

func (c *ClientLock) markUsed() {
	c.idleCycles.Store(0)
}

func (c *ClientLock) bumpIdle() {
	for {
		cur := c.idleCycles.Load()
		if cur >= maxIdleCycles || c.idleCycles.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// TryMarkAsGarbage is called by the periodic sweep. A lock that has been idle
// for a full sweep, is unpinned and has no nodes is either collected, when no
// lease is held, or has its lease recalled so it can be collected next time.
// It reports whether the lock is now garbage.
func (c *ClientLock) TryMarkAsGarbage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == 0 && c.nodes.len() == 0 && c.idleCycles.Load() > 0 {
		c.setGreedinessLocked(c.greediness.markAsGarbage())
		if c.greediness.IsGarbage() {
			c.logger.Debug("lock.gc.collected")
			return true
		}
		c.recallLocked(ServerWrite, 0, false)
		return false
	}
	c.bumpIdle()
	return false
}
