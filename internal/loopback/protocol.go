package loopback

import (
	"time"

	"pkt.systems/locklease/locks"
)

func (a *Authority) request(client locks.ClientID, lock locks.LockID, thread locks.ThreadID, level locks.ServerLockLevel, try bool, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls := a.lockLocked(lock)
	a.enqueueRequestLocked(ls, client, thread, level, try, timeout)
	a.processLocked(ls)
	a.gcLocked()
}

func (a *Authority) enqueueRequestLocked(ls *lockState, client locks.ClientID, thread locks.ThreadID, level locks.ServerLockLevel, try bool, timeout time.Duration) {
	// A thread asking again has left any wait it was in.
	ls.waiters = filterWaiters(ls.waiters, func(w *waiter) bool {
		return w.client != client || w.thread != thread
	})
	for _, r := range ls.queue {
		if r.client == client && r.thread == thread {
			return
		}
	}
	r := &request{
		id:      a.nextIDLocked(),
		client:  client,
		thread:  thread,
		level:   level,
		try:     try,
		timeout: timeout,
	}
	if try && timeout > 0 {
		id := r.id
		r.cancel = a.after(timeout, func() { a.expireLocked(ls.id, id) })
	}
	ls.queue = append(ls.queue, r)
}

// expireLocked refuses a try request whose budget ran out at the authority.
func (a *Authority) expireLocked(lock locks.LockID, id uint64) {
	ls, ok := a.locks[lock]
	if !ok {
		return
	}
	for i, r := range ls.queue {
		if r.id != id {
			continue
		}
		ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
		a.refuseLocked(ls, r)
		a.processLocked(ls)
		a.gcLocked()
		return
	}
}

func (a *Authority) refuseLocked(ls *lockState, r *request) {
	a.refusals.Add(1)
	lock, thread, level := ls.id, r.thread, r.level
	a.send(r.client, func(in locks.Inbound) { in.Refuse(lock, thread, level) })
}

func conflicts(a, b locks.ServerLockLevel) bool {
	return a == locks.ServerWrite || b == locks.ServerWrite
}

// grantable reports whether r can be granted next to the current holders.
// The requesting thread's own holder never conflicts.
func (ls *lockState) grantable(r *request) bool {
	for k, level := range ls.holders {
		if k.client == r.client && k.thread == r.thread {
			continue
		}
		if conflicts(level, r.level) {
			return false
		}
	}
	return true
}

// soleInterest reports whether client is the only client holding or asking
// for the lock.
func (ls *lockState) soleInterest(client locks.ClientID) bool {
	for k := range ls.holders {
		if k.client != client {
			return false
		}
	}
	for _, r := range ls.queue {
		if r.client != client {
			return false
		}
	}
	return true
}

// processLocked grants queued requests in strict arrival order and stops at
// the first one that cannot be granted, recalling any lease in its way.
func (a *Authority) processLocked(ls *lockState) {
	for len(ls.queue) > 0 {
		r := ls.queue[0]
		if !ls.grantable(r) {
			a.recallBlockersLocked(ls, r)
			if r.try && r.timeout <= 0 {
				ls.queue = ls.queue[1:]
				a.refuseLocked(ls, r)
				continue
			}
			return
		}
		ls.queue = ls.queue[1:]
		r.stop()
		if ls.soleInterest(r.client) && !a.hasForeignWaiters(ls, r.client) {
			a.grantGreedyLocked(ls, r)
			continue
		}
		ls.holders[holderKey{r.client, r.thread}] = maxLevel(ls.holders[holderKey{r.client, r.thread}], r.level)
		a.threadAwards.Add(1)
		a.awardLocked(ls, r.client, r.thread, r.level)
	}
}

func (a *Authority) hasForeignWaiters(ls *lockState, client locks.ClientID) bool {
	for _, w := range ls.waiters {
		if w.client != client {
			return true
		}
	}
	return false
}

// grantGreedyLocked hands client a lease at r's level, or upgrades the one it
// has, and drops the client's queued requests the lease now covers.
func (a *Authority) grantGreedyLocked(ls *lockState, r *request) {
	key := holderKey{r.client, locks.VMThread}
	level := maxLevel(ls.holders[key], r.level)
	ls.holders[key] = level
	kept := ls.queue[:0]
	for _, q := range ls.queue {
		if q.client == r.client && (level == locks.ServerWrite || q.level == locks.ServerRead) {
			q.stop()
			continue
		}
		kept = append(kept, q)
	}
	ls.queue = kept
	a.greedyAwards.Add(1)
	a.awardLocked(ls, r.client, locks.VMThread, level)
}

func (a *Authority) awardLocked(ls *lockState, client locks.ClientID, thread locks.ThreadID, level locks.ServerLockLevel) {
	a.awardSeq++
	award := locks.AwardID(a.awardSeq)
	lock := ls.id
	a.logger.Trace("loopback.award", "lock", lock, "client", client, "thread", thread, "level", level, "award", award)
	a.send(client, func(in locks.Inbound) { in.Award(lock, thread, level, award) })
}

// recallBlockersLocked asks every lease holder that conflicts with r to give
// its lease back. Each lease is recalled once until the client commits.
func (a *Authority) recallBlockersLocked(ls *lockState, r *request) {
	for k, level := range ls.holders {
		if k.thread != locks.VMThread || ls.recalled[k.client] {
			continue
		}
		if !conflicts(level, r.level) {
			continue
		}
		ls.recalled[k.client] = true
		a.recalls.Add(1)
		lock, interest := ls.id, r.level
		a.logger.Debug("loopback.recall", "lock", lock, "client", k.client, "interest", interest)
		a.send(k.client, func(in locks.Inbound) { in.Recall(lock, interest, 0, false) })
	}
}

func maxLevel(a, b locks.ServerLockLevel) locks.ServerLockLevel {
	if a > b {
		return a
	}
	return b
}

func (a *Authority) unlock(client locks.ClientID, lock locks.LockID, thread locks.ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.locks[lock]
	if !ok {
		return
	}
	delete(ls.holders, holderKey{client, thread})
	a.processLocked(ls)
	a.gcLocked()
}

func (a *Authority) wait(client locks.ClientID, lock locks.LockID, thread locks.ThreadID, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls := a.lockLocked(lock)
	delete(ls.holders, holderKey{client, thread})
	a.addWaiterLocked(ls, client, thread, timeout)
	a.processLocked(ls)
}

func (a *Authority) addWaiterLocked(ls *lockState, client locks.ClientID, thread locks.ThreadID, timeout time.Duration) {
	for _, w := range ls.waiters {
		if w.client == client && w.thread == thread {
			return
		}
	}
	w := &waiter{id: a.nextIDLocked(), client: client, thread: thread}
	if timeout > 0 {
		id := w.id
		w.cancel = a.after(timeout, func() { a.wakeWaiterLocked(ls.id, id) })
	}
	ls.waiters = append(ls.waiters, w)
}

func (a *Authority) wakeWaiterLocked(lock locks.LockID, id uint64) {
	ls, ok := a.locks[lock]
	if !ok {
		return
	}
	for i, w := range ls.waiters {
		if w.id == id {
			ls.waiters = append(ls.waiters[:i], ls.waiters[i+1:]...)
			a.notifiedLocked(ls, w)
			return
		}
	}
}

func (a *Authority) notifiedLocked(ls *lockState, w *waiter) {
	if w.cancel != nil {
		w.cancel()
	}
	a.notifies.Add(1)
	lock, thread := ls.id, w.thread
	a.send(w.client, func(in locks.Inbound) { in.Notified(lock, thread) })
}

func (a *Authority) notify(lock locks.LockID, all bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.locks[lock]
	if !ok || len(ls.waiters) == 0 {
		return
	}
	n := 1
	if all {
		n = len(ls.waiters)
	}
	woken := append([]*waiter(nil), ls.waiters[:n]...)
	ls.waiters = append(ls.waiters[:0], ls.waiters[n:]...)
	for _, w := range woken {
		a.notifiedLocked(ls, w)
	}
}

func (a *Authority) interrupt(client locks.ClientID, lock locks.LockID, thread locks.ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ls, ok := a.locks[lock]
	if !ok {
		return
	}
	ls.waiters = filterWaiters(ls.waiters, func(w *waiter) bool {
		return w.client != client || w.thread != thread
	})
	a.gcLocked()
}

// recallCommit replaces client's lease with the state it handed back.
func (a *Authority) recallCommit(client locks.ClientID, lock locks.LockID, contexts []locks.LockContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits.Add(1)
	ls := a.lockLocked(lock)
	delete(ls.holders, holderKey{client, locks.VMThread})
	delete(ls.recalled, client)
	a.applyContextsLocked(ls, client, contexts)
	a.processLocked(ls)
	a.gcLocked()
}

// resume rebuilds client state from a reconnect handshake.
func (a *Authority) resume(client locks.ClientID, contexts []locks.LockContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byLock := map[locks.LockID][]locks.LockContext{}
	var order []locks.LockID
	for _, c := range contexts {
		if _, ok := byLock[c.Lock]; !ok {
			order = append(order, c.Lock)
		}
		byLock[c.Lock] = append(byLock[c.Lock], c)
	}
	for _, id := range order {
		ls := a.lockLocked(id)
		a.applyContextsLocked(ls, client, byLock[id])
		a.processLocked(ls)
	}
	a.gcLocked()
	a.logger.Info("loopback.session.resumed", "client", client, "locks", len(order), "contexts", len(contexts))
}

func (a *Authority) applyContextsLocked(ls *lockState, client locks.ClientID, contexts []locks.LockContext) {
	for _, c := range contexts {
		level, _ := c.State.Level()
		switch {
		case c.State.IsGreedy():
			ls.holders[holderKey{client, locks.VMThread}] = level
		case c.State.IsHolder():
			ls.holders[holderKey{client, c.Thread}] = level
		case c.State.IsTryPending():
			a.enqueueRequestLocked(ls, client, c.Thread, level, true, c.Timeout)
		case c.State.IsPending():
			a.enqueueRequestLocked(ls, client, c.Thread, level, false, 0)
		case c.State == locks.StateWaiter:
			a.addWaiterLocked(ls, client, c.Thread, c.Timeout)
		}
	}
}
