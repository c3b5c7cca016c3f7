package rwlocktrace

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxReaders is the number of concurrent readers an RWLock admits
// unless configured otherwise. A writer takes all of them at once.
const DefaultMaxReaders int64 = 1<<29 - 1

// RWLock is the plain reader-writer lock that Lock instruments. It owns the
// protected value and only hands it out through guards.
//
// Waiters are served in FIFO order by the underlying weighted semaphore, so a
// queued writer blocks readers that arrive after it. A *RWLock is the shared
// handle: copying the pointer shares the state.
//
// Lock has every method of RWLock with the same signature, so code written
// against one works against the other.
type RWLock[T any] struct {
	sem        *semaphore.Weighted
	maxReaders int64
	poisoned   atomic.Bool
	value      T
}

// NewRWLock wraps value in a fresh lock.
func NewRWLock[T any](value T) *RWLock[T] {
	return NewRWLockWithMaxReaders(value, DefaultMaxReaders)
}

// NewRWLockWithMaxReaders wraps value in a fresh lock admitting at most
// maxReaders concurrent readers.
func NewRWLockWithMaxReaders[T any](value T, maxReaders int64) *RWLock[T] {
	if maxReaders < 1 {
		maxReaders = 1
	}
	return &RWLock[T]{
		sem:        semaphore.NewWeighted(maxReaders),
		maxReaders: maxReaders,
		value:      value,
	}
}

// RLock waits for shared access and returns a guard for it. The error is
// ErrPoisoned if a writer panicked while holding the lock, or ctx.Err() if
// the context ended first, in which case the lock is not held.
func (l *RWLock[T]) RLock(ctx context.Context) (*RWLockReadGuard[T], error) {
	g, err := l.acquire(ctx, ReadLock, false)
	if err != nil {
		return nil, err
	}
	return &RWLockReadGuard[T]{g}, nil
}

// Lock waits for exclusive access and returns a guard for it. Errors are as
// for RLock.
func (l *RWLock[T]) Lock(ctx context.Context) (*RWLockWriteGuard[T], error) {
	g, err := l.acquire(ctx, WriteLock, false)
	if err != nil {
		return nil, err
	}
	return &RWLockWriteGuard[T]{g}, nil
}

// TryRLock takes shared access if it is available without waiting, and
// returns ErrWouldBlock otherwise. ctx is not used; it keeps the signature
// of Lock.TryRLock.
func (l *RWLock[T]) TryRLock(_ context.Context) (*RWLockReadGuard[T], error) {
	g, err := l.tryAcquire(ReadLock)
	if err != nil {
		return nil, err
	}
	return &RWLockReadGuard[T]{g}, nil
}

// TryLock takes exclusive access if it is available without waiting, and
// returns ErrWouldBlock otherwise.
func (l *RWLock[T]) TryLock(_ context.Context) (*RWLockWriteGuard[T], error) {
	g, err := l.tryAcquire(WriteLock)
	if err != nil {
		return nil, err
	}
	return &RWLockWriteGuard[T]{g}, nil
}

// Read calls fn with the protected value while holding shared access.
func (l *RWLock[T]) Read(ctx context.Context, fn func(v T) error) error {
	g, err := l.RLock(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g.Get())
}

// Write calls fn with a pointer to the protected value while holding
// exclusive access. A panic in fn poisons the lock, releases it and
// continues.
func (l *RWLock[T]) Write(ctx context.Context, fn func(v *T) error) error {
	g, err := l.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			l.poison()
			g.Release()
			panic(r)
		}
		g.Release()
	}()
	return fn(g.Ptr())
}

// Recover takes exclusive access even if the lock is poisoned and calls fn to
// bring the value back to a consistent state. The poison is cleared when fn
// returns nil.
func (l *RWLock[T]) Recover(ctx context.Context, fn func(v *T) error) error {
	g, err := l.acquire(ctx, WriteLock, true)
	if err != nil {
		return err
	}
	defer g.release()
	if err := fn(g.value()); err != nil {
		return err
	}
	l.ClearPoison()
	return nil
}

// MaxReaders returns the reader capacity of the lock.
func (l *RWLock[T]) MaxReaders() int64 {
	return l.maxReaders
}

// IsPoisoned reports whether a writer panicked while holding the lock.
func (l *RWLock[T]) IsPoisoned() bool {
	return l.poisoned.Load()
}

// ClearPoison marks the lock usable again without touching the value. While
// the lock is poisoned the value cannot be reached; use Recover to repair it
// under exclusive access instead.
func (l *RWLock[T]) ClearPoison() {
	l.poisoned.Store(false)
}

func (l *RWLock[T]) poison() {
	l.poisoned.Store(true)
}

func (l *RWLock[T]) weight(lt LockType) int64 {
	if lt == ReadLock {
		return 1
	}
	return l.maxReaders
}

// acquire waits on the semaphore. With poisonOK a poisoned lock is granted
// anyway.
func (l *RWLock[T]) acquire(ctx context.Context, lt LockType, poisonOK bool) (*rawGuard[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !poisonOK && l.IsPoisoned() {
		return nil, ErrPoisoned
	}
	if err := l.sem.Acquire(ctx, l.weight(lt)); err != nil {
		return nil, err
	}
	// a writer may have panicked while we waited
	if !poisonOK && l.IsPoisoned() {
		l.sem.Release(l.weight(lt))
		return nil, ErrPoisoned
	}
	return &rawGuard[T]{lock: l, lockType: lt}, nil
}

func (l *RWLock[T]) tryAcquire(lt LockType) (*rawGuard[T], error) {
	if l.IsPoisoned() {
		return nil, ErrPoisoned
	}
	if !l.sem.TryAcquire(l.weight(lt)) {
		return nil, ErrWouldBlock
	}
	if l.IsPoisoned() {
		l.sem.Release(l.weight(lt))
		return nil, ErrPoisoned
	}
	return &rawGuard[T]{lock: l, lockType: lt}, nil
}

// rawGuard is a granted hold on an RWLock.
type rawGuard[T any] struct {
	lock     *RWLock[T]
	lockType LockType
	released atomic.Bool
}

func (g *rawGuard[T]) value() *T {
	if g.released.Load() {
		panic("rwlocktrace: use of " + g.lockType.String() + " guard after release")
	}
	return &g.lock.value
}

// release gives the hold back once and reports whether this call did it.
func (g *rawGuard[T]) release() bool {
	if !g.released.CompareAndSwap(false, true) {
		return false
	}
	g.lock.sem.Release(g.lock.weight(g.lockType))
	return true
}

// RWLockReadGuard is shared access to the value of an RWLock.
type RWLockReadGuard[T any] struct {
	*rawGuard[T]
}

// Get returns the protected value.
func (g *RWLockReadGuard[T]) Get() T {
	return *g.value()
}

// Release gives up shared access. Calling it again has no effect.
func (g *RWLockReadGuard[T]) Release() {
	g.release()
}

// RWLockWriteGuard is exclusive access to the value of an RWLock.
type RWLockWriteGuard[T any] struct {
	*rawGuard[T]
}

// Get returns the protected value.
func (g *RWLockWriteGuard[T]) Get() T {
	return *g.value()
}

// Set replaces the protected value.
func (g *RWLockWriteGuard[T]) Set(v T) {
	*g.value() = v
}

// Update calls fn with a pointer to the protected value.
func (g *RWLockWriteGuard[T]) Update(fn func(v *T)) {
	fn(g.value())
}

// Ptr returns a pointer to the protected value. It must not be used after
// Release.
func (g *RWLockWriteGuard[T]) Ptr() *T {
	return g.value()
}

// Release gives up exclusive access. Calling it again has no effect.
func (g *RWLockWriteGuard[T]) Release() {
	g.release()
}
