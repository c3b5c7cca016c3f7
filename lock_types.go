package rwlocktrace

import (
	"fmt"
	"time"
)

// LockType is the kind of access a guard holds
type LockType int

const (
	ReadLock LockType = iota
	WriteLock
)

// stringer for LockType
func (lt LockType) String() string {
	return []string{"ReadLock", "WriteLock"}[lt]
}

// label is the lower case form used for metric labels and log fields
func (lt LockType) label() string {
	return []string{"read", "write"}[lt]
}

// Op is the lifecycle point an access record describes
type Op int

const (
	AcquireShared Op = iota
	AcquireExclusive
	ReleaseShared
	ReleaseExclusive
)

// stringer for Op
func (op Op) String() string {
	return []string{"acquire-shared", "acquire-exclusive", "release-shared", "release-exclusive"}[op]
}

// IsRelease reports whether op marks the end of a hold.
func (op Op) IsRelease() bool {
	return op == ReleaseShared || op == ReleaseExclusive
}

// LockType returns the access kind op refers to.
func (op Op) LockType() LockType {
	if op == AcquireShared || op == ReleaseShared {
		return ReadLock
	}
	return WriteLock
}

func acquireOp(lt LockType) Op {
	if lt == ReadLock {
		return AcquireShared
	}
	return AcquireExclusive
}

func releaseOp(lt LockType) Op {
	if lt == ReadLock {
		return ReleaseShared
	}
	return ReleaseExclusive
}

// Record is one access event. Acquire records are emitted when a caller
// starts waiting for the lock, release records when a guard is released.
// Records are handed to a Tracer and never retained.
type Record struct {
	Op   Op
	Lock string // name of the lock, may be empty

	// Site is where the lock was requested. Release records carry the
	// acquisition site so the hold is attributed to the code that took it.
	Site CallSite

	// ReleaseSite is where Release was called. Zero for acquire records.
	ReleaseSite CallSite

	Worker      string
	GoroutineID uint64
	Time        time.Time

	// Duration is how long the lock was held. Zero for acquire records.
	Duration time.Duration
}

// CallLine formats the call-site line of the record.
func (r Record) CallLine() string {
	return fmt.Sprintf("Function '%s' called at %s:%d on thread %s", r.Site.FunctionName(), r.Site.File, r.Site.Line, r.Worker)
}

// ReleaseLine formats the duration line of a release record.
func (r Record) ReleaseLine() string {
	kind := "Read"
	if r.Op == ReleaseExclusive {
		kind = "Write"
	}
	return fmt.Sprintf("%s lock released. Duration: %v", kind, r.Duration)
}

// String returns the text trace form: one line for acquire records, two for
// release records.
func (r Record) String() string {
	if r.Op.IsRelease() {
		return r.ReleaseLine() + "\n" + r.CallLine()
	}
	return r.CallLine()
}
