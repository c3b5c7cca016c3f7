package rwlocktrace

import (
	"sync/atomic"
	"time"
)

// guard is the state common to both guard kinds. It wraps the hold granted
// by the underlying lock and exists only once that hold was granted.
type guard[T any] struct {
	lock        *Lock[T]
	inner       *rawGuard[T]
	id          uint64
	site        CallSite
	worker      string
	goroutineID uint64
	acquiredAt  time.Time
	held        *watchdog
	released    atomic.Bool
}

func (g *guard[T]) lockType() LockType {
	return g.inner.lockType
}

func (g *guard[T]) value() *T {
	if g.released.Load() {
		panic("rwlocktrace: use of " + g.lockType().String() + " guard after release")
	}
	return g.inner.value()
}

// release ends the hold exactly once. It reports false if the guard had
// already been released.
func (g *guard[T]) release(releaseSite CallSite) bool {
	if !g.released.CompareAndSwap(false, true) {
		g.lock.doubleRelease(g, releaseSite)
		return false
	}
	g.lock.release(g, releaseSite, time.Since(g.acquiredAt))
	return true
}

// ReadGuard is shared access to the value protected by a Lock. It must be
// released exactly once, normally with defer right after acquisition.
type ReadGuard[T any] struct {
	*guard[T]
}

// Get returns the protected value. Reference types inside the value must
// not be modified through it.
func (g *ReadGuard[T]) Get() T {
	return *g.value()
}

// Release gives up shared access and emits the release record. Calling it
// again logs a warning and has no other effect.
func (g *ReadGuard[T]) Release() {
	g.release(callerSite(1))
}

// HeldFor returns the time since the guard was acquired.
func (g *ReadGuard[T]) HeldFor() time.Duration {
	return time.Since(g.acquiredAt)
}

// Site returns where the guard was acquired.
func (g *ReadGuard[T]) Site() CallSite {
	return g.site
}

// WriteGuard is exclusive access to the value protected by a Lock. It must be
// released exactly once, normally with defer right after acquisition.
type WriteGuard[T any] struct {
	*guard[T]
}

// Get returns the protected value.
func (g *WriteGuard[T]) Get() T {
	return *g.value()
}

// Set replaces the protected value.
func (g *WriteGuard[T]) Set(v T) {
	*g.value() = v
}

// Update calls fn with a pointer to the protected value.
func (g *WriteGuard[T]) Update(fn func(v *T)) {
	fn(g.value())
}

// Ptr returns a pointer to the protected value. It must not be used after
// Release.
func (g *WriteGuard[T]) Ptr() *T {
	return g.value()
}

// Release gives up exclusive access and emits the release record. Calling it
// again logs a warning and has no other effect.
func (g *WriteGuard[T]) Release() {
	g.release(callerSite(1))
}

// HeldFor returns the time since the guard was acquired.
func (g *WriteGuard[T]) HeldFor() time.Duration {
	return time.Since(g.acquiredAt)
}

// Site returns where the guard was acquired.
func (g *WriteGuard[T]) Site() CallSite {
	return g.site
}
