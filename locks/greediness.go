package locks

import (
	"fmt"
	"time"
)

// Greediness is the lease state a client keeps for one lock.
type Greediness uint8

const (
	// Free means no lease is held; requests go to the authority.
	Free Greediness = iota
	// GreedyRead is a client-wide read lease.
	GreedyRead
	// GreedyWrite is a client-wide write lease.
	GreedyWrite
	// RecalledRead is a read lease the authority wants back.
	RecalledRead
	// RecalledWrite is a write lease the authority wants back.
	RecalledWrite
	// ReadRecallInProgress is a read lease whose recall flush is running.
	ReadRecallInProgress
	// WriteRecallInProgress is a write lease whose recall flush is running.
	WriteRecallInProgress
	// RecalledWriteForRead is a write lease being downgraded to a read lease.
	RecalledWriteForRead
	// WriteRecallForReadInProgress is a downgrade whose flush is running.
	WriteRecallForReadInProgress
	// Garbage means the lock has been collected and must not be used.
	Garbage
)

var greedinessNames = [...]string{
	Free:                         "FREE",
	GreedyRead:                   "GREEDY_READ",
	GreedyWrite:                  "GREEDY_WRITE",
	RecalledRead:                 "RECALLED_READ",
	RecalledWrite:                "RECALLED_WRITE",
	ReadRecallInProgress:         "READ_RECALL_IN_PROGRESS",
	WriteRecallInProgress:        "WRITE_RECALL_IN_PROGRESS",
	RecalledWriteForRead:         "RECALLED_WRITE_FOR_READ",
	WriteRecallForReadInProgress: "WRITE_RECALL_FOR_READ_IN_PROGRESS",
	Garbage:                      "GARBAGE",
}

func (g Greediness) String() string {
	if int(g) < len(greedinessNames) {
		return greedinessNames[g]
	}
	return fmt.Sprintf("Greediness(%d)", uint8(g))
}

// IsFree reports whether no lease is held.
func (g Greediness) IsFree() bool { return g == Free }

// IsGreedy reports whether an unrecalled lease is held.
func (g Greediness) IsGreedy() bool { return g == GreedyRead || g == GreedyWrite }

// IsRecalled reports whether a recall has been requested but not started.
func (g Greediness) IsRecalled() bool {
	return g == RecalledRead || g == RecalledWrite || g == RecalledWriteForRead
}

// IsRecallInProgress reports whether a recall flush is running.
func (g Greediness) IsRecallInProgress() bool {
	return g == ReadRecallInProgress || g == WriteRecallInProgress || g == WriteRecallForReadInProgress
}

// IsGarbage reports whether the lock has been collected.
func (g Greediness) IsGarbage() bool { return g == Garbage }

// CanAward reports whether level may be granted locally.
func (g Greediness) CanAward(level LockLevel) bool {
	switch g {
	case GreedyWrite:
		return true
	case GreedyRead:
		return level.IsRead()
	default:
		return false
	}
}

// FlushOnUnlock reports whether releases must flush before becoming visible.
func (g Greediness) FlushOnUnlock() bool {
	return g.IsRecalled() || g.IsRecallInProgress()
}

// flushLevel is the level outstanding activity is flushed at. Zero means
// nothing is leased.
func (g Greediness) flushLevel() ServerLockLevel {
	switch g {
	case GreedyRead, RecalledRead, ReadRecallInProgress:
		return ServerRead
	case GreedyWrite, RecalledWrite, WriteRecallInProgress, RecalledWriteForRead, WriteRecallForReadInProgress:
		return ServerWrite
	default:
		return 0
	}
}

// leaseLevel is the level a lease context reports to the authority.
func (g Greediness) leaseLevel() (ServerLockLevel, bool) {
	level := g.flushLevel()
	return level, level != 0
}

func (g Greediness) requested(level ServerLockLevel) (Greediness, error) {
	switch g {
	case Garbage:
		return g, ErrGarbageLock
	case GreedyRead:
		if level == ServerWrite {
			return RecalledRead, nil
		}
	}
	return g, nil
}

func (g Greediness) awarded(level ServerLockLevel) (Greediness, error) {
	switch g {
	case Garbage:
		return g, ErrGarbageLock
	case Free:
		if level == ServerWrite {
			return GreedyWrite, nil
		}
		return GreedyRead, nil
	case GreedyRead:
		if level == ServerWrite {
			return GreedyWrite, nil
		}
	}
	return g, nil
}

// recalled applies a recall request. A positive lease keeps the current lease
// when local requests are still queued.
func (g Greediness) recalled(interest ServerLockLevel, lease time.Duration, pending bool) Greediness {
	if g.IsGreedy() && lease > 0 && pending {
		return g
	}
	switch g {
	case GreedyRead:
		if interest == ServerWrite {
			return RecalledRead
		}
	case GreedyWrite:
		if interest == ServerRead {
			return RecalledWriteForRead
		}
		return RecalledWrite
	case RecalledWriteForRead:
		if interest == ServerWrite {
			return RecalledWrite
		}
	case WriteRecallForReadInProgress:
		if interest == ServerWrite {
			return WriteRecallInProgress
		}
	}
	return g
}

func (g Greediness) recallInProgress() Greediness {
	switch g {
	case RecalledRead:
		return ReadRecallInProgress
	case RecalledWrite:
		return WriteRecallInProgress
	case RecalledWriteForRead:
		return WriteRecallForReadInProgress
	}
	return g
}

func (g Greediness) recallCommitted() Greediness {
	switch g {
	case RecalledWriteForRead, WriteRecallForReadInProgress:
		return GreedyRead
	case RecalledRead, RecalledWrite, ReadRecallInProgress, WriteRecallInProgress:
		return Free
	}
	return g
}

func (g Greediness) markAsGarbage() Greediness {
	if g == Free {
		return Garbage
	}
	return g
}

// context renders the lease as a snapshot record.
func (g Greediness) context(lock LockID, client ClientID) (LockContext, bool) {
	level, ok := g.leaseLevel()
	if !ok || g == Garbage {
		return LockContext{}, false
	}
	state := StateGreedyHolderRead
	if level == ServerWrite {
		state = StateGreedyHolderWrite
	}
	return LockContext{Lock: lock, Client: client, Thread: VMThread, State: state}, true
}
