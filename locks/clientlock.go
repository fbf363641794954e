package locks

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"pkt.systems/locklease/internal/clock"
	"pkt.systems/locklease/internal/loggingutil"
	"pkt.systems/pslog"
)

// ClientLock coordinates one distributed lock for every thread of this
// client. It decides locally when the lease allows it, delegates to the
// authority when it does not, and parks callers until their request resolves.
//
// All state is guarded by one mutex. Callers never park while holding it.
type ClientLock struct {
	id      LockID
	remote  RemoteLockManager
	logger  pslog.Logger
	clock   clock.Clock
	metrics *lockMetrics
	tracer  trace.Tracer

	mu         sync.Mutex
	flushed    *sync.Cond
	nodes      stateList
	greediness Greediness
	flushGen   uint64
	pinned     int
	awardID    AwardID

	idleCycles atomic.Uint32
}

// NewClientLock returns a coordinator for id that talks to remote. Most
// callers go through Manager instead.
func NewClientLock(id LockID, remote RemoteLockManager, opts ...Option) *ClientLock {
	return newClientLock(id, remote, buildOptions(opts))
}

func newClientLock(id LockID, remote RemoteLockManager, o options) *ClientLock {
	c := &ClientLock{
		id:      id,
		remote:  remote,
		logger:  loggingutil.WithSubsystem(o.logger, "locks.client").With("lock", string(id)),
		clock:   o.clock,
		metrics: o.metrics,
		tracer:  o.tracer,
		awardID: NoAwardID,
	}
	c.flushed = sync.NewCond(&c.mu)
	return c
}

// ID returns the lock identity.
func (c *ClientLock) ID() LockID { return c.id }

// Greediness returns the current lease state.
func (c *ClientLock) Greediness() Greediness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greediness
}

// IsLocked reports whether any thread holds level. LevelAny matches every
// level.
func (c *ClientLock) IsLocked(level LockLevel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes.all() {
		if n.isHold() && (level == LevelAny || n.level == level) {
			return true
		}
	}
	return false
}

// IsLockedBy reports whether thread holds level. LevelAny matches every
// level.
func (c *ClientLock) IsLockedBy(thread ThreadID, level LockLevel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdsLocked(thread, func(l LockLevel) bool { return level == LevelAny || l == level })
}

// HoldCount counts holds at level from the head of the list up to the first
// queued request or waiter.
func (c *ClientLock) HoldCount(level LockLevel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.nodes.all() {
		if !n.isHold() {
			break
		}
		if n.level == level {
			count++
		}
	}
	return count
}

// PendingCount returns the number of queued acquires.
func (c *ClientLock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCountLocked()
}

// WaitingCount returns the number of parked waiters.
func (c *ClientLock) WaitingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.nodes.all() {
		if n.isWaiter() {
			count++
		}
	}
	return count
}

// AwardID returns the current award or ErrNoAward.
func (c *ClientLock) AwardID() (AwardID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awardID == NoAwardID {
		return NoAwardID, ErrNoAward
	}
	return c.awardID, nil
}

// IsAwardValid reports whether award is the current award.
func (c *ClientLock) IsAwardValid(award AwardID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awardValidLocked(award)
}

// Pin keeps the lock from being collected while award is current. Stale
// awards are ignored.
func (c *ClientLock) Pin(award AwardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.awardValidLocked(award) {
		c.pinned++
	}
}

// Unpin releases a pin taken under award. Stale awards are ignored.
func (c *ClientLock) Unpin(award AwardID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.awardValidLocked(award) {
		return nil
	}
	if c.pinned == 0 {
		return fmt.Errorf("%w: %s award %d", ErrPinUnderflow, c.id, award)
	}
	c.pinned--
	return nil
}

// Pinned returns the pin count.
func (c *ClientLock) Pinned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

// Cleanup drops every node, wakes every parked caller and returns the lock
// to Free. It is called when the session to the authority is lost.
func (c *ClientLock) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed.Broadcast()
	for _, n := range c.nodes.clear() {
		n.unpark()
	}
	c.setGreedinessLocked(Free)
	c.pinned = 0
	c.awardID = NoAwardID
	c.logger.Debug("lock.cleanup")
}

// Shutdown wakes every parked caller without touching the lock state. Each
// caller then sees the remote shut down and gives up with ErrNotRunning.
func (c *ClientLock) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed.Broadcast()
	for _, n := range c.nodes.all() {
		n.unpark()
	}
	c.logger.Debug("lock.shutdown", "nodes", c.nodes.len())
}

func (c *ClientLock) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "ClientLock %s\n", c.id)
	fmt.Fprintf(&b, "  idle cycles: %d\n", c.idleCycles.Load())
	fmt.Fprintf(&b, "  greediness: %s\n", c.greediness)
	fmt.Fprintf(&b, "  pinned: %d award: %d\n", c.pinned, c.awardID)
	for _, n := range c.nodes.all() {
		fmt.Fprintf(&b, "  %s\n", n)
	}
	return b.String()
}

func (c *ClientLock) setGreedinessLocked(next Greediness) {
	if next == c.greediness {
		return
	}
	if next.flushLevel() != c.greediness.flushLevel() {
		c.flushGen++
	}
	c.logger.Trace("lock.greediness.transition", "from", c.greediness.String(), "to", next.String())
	c.greediness = next
}

func (c *ClientLock) awardValidLocked(award AwardID) bool {
	return c.awardID != NoAwardID && c.awardID == award
}

func (c *ClientLock) holdsLocked(thread ThreadID, match func(LockLevel) bool) bool {
	for _, n := range c.nodes.all() {
		if n.isHold() && n.owner == thread && match(n.level) {
			return true
		}
	}
	return false
}

func (c *ClientLock) holdsWriteLocked(thread ThreadID) bool {
	return c.holdsLocked(thread, LockLevel.IsWrite)
}

func (c *ClientLock) holdsWrite(thread ThreadID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdsWriteLocked(thread)
}

func (c *ClientLock) pendingCountLocked() int {
	count := 0
	for _, n := range c.nodes.all() {
		if n.isPending() {
			count++
		}
	}
	return count
}

// findReleasableHoldLocked skips holds whose release is already waiting on a
// flush.
func (c *ClientLock) findReleasableHoldLocked(thread ThreadID, level LockLevel) *node {
	for _, n := range c.nodes.all() {
		if n.isHold() && !n.flushInProgress && n.owner == thread && n.level == level {
			return n
		}
	}
	return nil
}

func (c *ClientLock) flushInProgressLocked() bool {
	for _, n := range c.nodes.all() {
		if n.isHold() && n.flushInProgress {
			return true
		}
	}
	return false
}

// canRecallNowLocked reports whether no write-family hold blocks a recall.
func (c *ClientLock) canRecallNowLocked() bool {
	for _, n := range c.nodes.all() {
		if n.isHold() && n.level.IsWrite() {
			return false
		}
	}
	return true
}

// noLocksHeldLocked reports whether pins can be reset. A write lease being
// downgraded for read keeps its pins.
func (c *ClientLock) noLocksHeldLocked() bool {
	if c.greediness == RecalledWriteForRead || c.greediness == WriteRecallForReadInProgress {
		return false
	}
	for _, n := range c.nodes.all() {
		if n.isHold() {
			return false
		}
	}
	return true
}

func (c *ClientLock) resetPinIfNecessaryLocked() {
	if c.noLocksHeldLocked() {
		c.pinned = 0
		c.awardID = NoAwardID
	}
}

func (c *ClientLock) queuedAcquireLocked(thread ThreadID, level ServerLockLevel) *node {
	for _, n := range c.nodes.all() {
		if n.isPending() && n.owner == thread && n.level.ServerLevel() == level {
			return n
		}
	}
	return nil
}

func (c *ClientLock) unparkFirstLocked() {
	if n := c.nodes.firstPending(); n != nil {
		n.unpark()
	}
}

func (c *ClientLock) unparkFirstQueuedAcquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unparkFirstLocked()
}
