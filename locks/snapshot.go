package locks

// StateSnapshot returns the full state of the lock as seen by client: the
// lease, if any, followed by one record per node in list order.
func (c *ClientLock) StateSnapshot(client ClientID) []LockContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LockContext
	if g, ok := c.greediness.context(c.id, client); ok && !c.greediness.IsFree() {
		out = append(out, g)
	}
	for _, n := range c.nodes.all() {
		out = append(out, n.context(c.id, client))
	}
	return out
}

// filteredSnapshotLocked collapses the node list to what the authority needs:
// one holder and one pending record per thread, with write winning over read,
// and every waiter. With greedy set, a held lease is reported on its own.
func (c *ClientLock) filteredSnapshotLocked(client ClientID, greedy bool) []LockContext {
	if greedy {
		if g, ok := c.greediness.context(c.id, client); ok && c.greediness.IsGreedy() {
			return []LockContext{g}
		}
	}
	var (
		waiters  []LockContext
		holds    = newThreadContexts()
		pendings = newThreadContexts()
	)
	for _, n := range c.nodes.all() {
		rec := n.context(c.id, client)
		switch {
		case n.isWaiter():
			waiters = append(waiters, rec)
		case n.isHold():
			holds.put(rec, n.level.IsWrite())
		case n.isPending():
			pendings.put(rec, n.level.IsWrite())
		}
	}
	out := make([]LockContext, 0, len(waiters)+len(holds.order)+len(pendings.order))
	out = append(out, waiters...)
	out = holds.appendTo(out)
	return pendings.appendTo(out)
}

// threadContexts keeps one context per thread in first-seen order, replacing
// a read record when a write record for the same thread shows up.
type threadContexts struct {
	order []ThreadID
	byID  map[ThreadID]LockContext
	write map[ThreadID]bool
}

func newThreadContexts() *threadContexts {
	return &threadContexts{byID: map[ThreadID]LockContext{}, write: map[ThreadID]bool{}}
}

func (t *threadContexts) put(rec LockContext, write bool) {
	if _, ok := t.byID[rec.Thread]; !ok {
		t.order = append(t.order, rec.Thread)
	} else if t.write[rec.Thread] || !write {
		return
	}
	t.byID[rec.Thread] = rec
	t.write[rec.Thread] = write
}

func (t *threadContexts) appendTo(out []LockContext) []LockContext {
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// InitializeHandshake adds the lock's collapsed state to builder when a
// session to the authority is being re-established. Queued acquires are
// carried by the handshake and are not re-sent individually.
func (c *ClientLock) InitializeHandshake(client ClientID, builder HandshakeBuilder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contexts := c.filteredSnapshotLocked(client, true)
	for _, n := range c.nodes.all() {
		if n.isPending() {
			n.markDelegated("attached to handshake")
		}
	}
	for _, rec := range contexts {
		builder.AddLockContext(rec)
	}
}
