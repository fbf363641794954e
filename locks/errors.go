package locks

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalMonitorState is returned when unlock, wait or notify is
	// called without the required hold.
	ErrIllegalMonitorState = errors.New("locks: illegal monitor state")
	// ErrUpgradeNotSupported is returned when a thread holding READ asks for
	// a write level on the same lock.
	ErrUpgradeNotSupported = errors.New("locks: read to write upgrade not supported")
	// ErrGarbageLock is returned by a coordinator that has been collected.
	// Callers retry against a fresh coordinator for the same LockID.
	ErrGarbageLock = errors.New("locks: lock has been garbage collected")
	// ErrInterrupted is returned when the caller's context ends while it is
	// parked.
	ErrInterrupted = errors.New("locks: interrupted")
	// ErrNotRunning is returned when the authority shuts down while a caller
	// is parked.
	ErrNotRunning = errors.New("locks: lock manager not running")
	// ErrPinUnderflow is returned by a valid unpin on an unpinned lock.
	ErrPinUnderflow = errors.New("locks: unpin without matching pin")
	// ErrNoAward is returned by AwardID when no award is recorded.
	ErrNoAward = errors.New("locks: no award recorded")
)

func interrupted(cause error) error {
	if cause == nil {
		return ErrInterrupted
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}
