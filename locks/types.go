package locks

import (
	"fmt"
	"math"
	"strconv"
)

// LockID names a distributed lock.
type LockID string

// ThreadID identifies a logical caller inside this client.
type ThreadID uint64

// VMThread is the reserved owner of client-wide greedy awards.
const VMThread ThreadID = math.MaxUint64

func (t ThreadID) String() string {
	if t == VMThread {
		return "vm"
	}
	return strconv.FormatUint(uint64(t), 10)
}

// ClientID identifies this client to the lock authority.
type ClientID string

// AwardID tags a grant issued by the authority.
type AwardID int64

// NoAwardID means no award is currently recorded.
const NoAwardID AwardID = -1

// LockLevel is the client-facing lock level.
type LockLevel uint8

const (
	// LevelAny matches every level in queries such as IsLockedBy.
	LevelAny LockLevel = iota
	// LevelRead is a shared hold.
	LevelRead
	// LevelWrite is an exclusive hold.
	LevelWrite
	// LevelSynchronousWrite is an exclusive hold whose release is only
	// visible once outstanding activity has been flushed.
	LevelSynchronousWrite
	// LevelConcurrent bypasses all local bookkeeping.
	LevelConcurrent
)

// IsRead reports whether l is the shared level.
func (l LockLevel) IsRead() bool { return l == LevelRead }

// IsWrite reports whether l belongs to the write family.
func (l LockLevel) IsWrite() bool { return l == LevelWrite || l == LevelSynchronousWrite }

// IsSyncWrite reports whether l is a synchronous write.
func (l LockLevel) IsSyncWrite() bool { return l == LevelSynchronousWrite }

// ServerLevel maps l onto the level the authority reasons about.
func (l LockLevel) ServerLevel() ServerLockLevel {
	if l.IsWrite() {
		return ServerWrite
	}
	return ServerRead
}

func (l LockLevel) String() string {
	switch l {
	case LevelAny:
		return "ANY"
	case LevelRead:
		return "READ"
	case LevelWrite:
		return "WRITE"
	case LevelSynchronousWrite:
		return "SYNCHRONOUS_WRITE"
	case LevelConcurrent:
		return "CONCURRENT"
	default:
		return fmt.Sprintf("LockLevel(%d)", uint8(l))
	}
}

// ParseLockLevel parses the names produced by LockLevel.String.
func ParseLockLevel(s string) (LockLevel, error) {
	switch s {
	case "READ", "read":
		return LevelRead, nil
	case "WRITE", "write":
		return LevelWrite, nil
	case "SYNCHRONOUS_WRITE", "synchronous_write", "sync-write":
		return LevelSynchronousWrite, nil
	case "CONCURRENT", "concurrent":
		return LevelConcurrent, nil
	default:
		return LevelAny, fmt.Errorf("locks: unknown lock level %q", s)
	}
}

// ServerLockLevel is the level the authority grants and recalls.
type ServerLockLevel uint8

const (
	// ServerRead is a shared grant.
	ServerRead ServerLockLevel = iota + 1
	// ServerWrite is an exclusive grant.
	ServerWrite
)

// LockLevel returns the client level matching s.
func (s ServerLockLevel) LockLevel() LockLevel {
	if s == ServerWrite {
		return LevelWrite
	}
	return LevelRead
}

func (s ServerLockLevel) String() string {
	switch s {
	case ServerRead:
		return "READ"
	case ServerWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("ServerLockLevel(%d)", uint8(s))
	}
}
