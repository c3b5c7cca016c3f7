package rwlocktrace

import (
	"github.com/pkg/errors"
)

var (
	// ErrPoisoned is returned when acquiring a lock whose previous writer
	// panicked while holding it. The protected value may be inconsistent;
	// the lock stays unusable until RWLock.ClearPoison is called.
	ErrPoisoned = errors.New("lock poisoned by a panicking writer")

	// ErrWouldBlock is returned by TryRLock and TryLock when the lock is
	// not immediately available.
	ErrWouldBlock = errors.New("lock not available")

	// ErrBusy is returned by Close while guards are still held.
	ErrBusy = errors.New("lock has active guards")
)
