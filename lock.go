// Copyright (c) 2024 Christoph C. Cemper
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package rwlocktrace

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Lock is a reader-writer lock around a value of type T that records where
// it is acquired and for how long.
//
// Every acquisition emits an acquire record before waiting and, once the
// returned guard is released, exactly one release record carrying the held
// duration. An acquisition abandoned because its context ended emits the
// acquire record only: no guard exists, so there is nothing to release.
type Lock[T any] struct {
	shared *RWLock[T]
	t      *tracking
}

// tracking is shared by a Lock and its clones
type tracking struct {
	cfg      Config
	log      *zap.Logger
	stats    *statsTable
	holders  *holderTable
	nextID   atomic.Uint64
	reported onceSet

	slowHold     rate.Sometimes
	slowWait     rate.Sometimes
	stillHeld    rate.Sometimes
	stillPending rate.Sometimes
}

// New wraps value in a fresh underlying lock.
func New[T any](value T, opts ...Option) *Lock[T] {
	cfg := buildConfig(opts)
	return newLock(NewRWLockWithMaxReaders(value, cfg.MaxReaders), cfg)
}

// FromShared instruments an existing lock without copying its value. Several
// instrumented views can observe the same lock this way; each keeps its own
// statistics.
func FromShared[T any](shared *RWLock[T], opts ...Option) *Lock[T] {
	cfg := buildConfig(opts)
	cfg.MaxReaders = shared.MaxReaders()
	return newLock(shared, cfg)
}

func newLock[T any](shared *RWLock[T], cfg Config) *Lock[T] {
	t := &tracking{
		cfg:          cfg,
		stats:        newStatsTable(),
		holders:      newHolderTable(),
		slowHold:     rate.Sometimes{First: 3, Interval: 10 * time.Second},
		slowWait:     rate.Sometimes{First: 3, Interval: 10 * time.Second},
		stillHeld:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		stillPending: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	// views over one shared lock must not share a name
	if cfg.Registry != nil && cfg.Name == "" {
		t.cfg.Name = fmt.Sprintf("lock-%p", t)
	}
	t.log = cfg.Logger.With(zap.String("lock", t.cfg.Name))

	l := &Lock[T]{shared: shared, t: t}
	if cfg.Registry != nil {
		cfg.Registry.register(l)
	}
	return l
}

// Clone returns another handle to the same lock, sharing its state and
// statistics.
func (l *Lock[T]) Clone() *Lock[T] {
	return &Lock[T]{shared: l.shared, t: l.t}
}

// Underlying returns the wrapped lock. Operations on it, and on its guards,
// bypass instrumentation.
func (l *Lock[T]) Underlying() *RWLock[T] {
	return l.shared
}

// Name returns the configured name, which may be empty.
func (l *Lock[T]) Name() string {
	return l.t.cfg.Name
}

// MaxReaders returns the reader capacity of the underlying lock.
func (l *Lock[T]) MaxReaders() int64 {
	return l.shared.MaxReaders()
}

// IsPoisoned reports whether a writer panicked while holding the lock.
func (l *Lock[T]) IsPoisoned() bool {
	return l.shared.IsPoisoned()
}

// ClearPoison marks the lock usable again without touching the value. Prefer
// Recover, which repairs the value under exclusive access first.
func (l *Lock[T]) ClearPoison() {
	l.shared.ClearPoison()
	l.t.log.Info("Lock poison cleared")
}

// RLock waits for shared access and returns a guard for it. The error is
// ErrPoisoned if a writer panicked while holding the lock, or wraps ctx.Err()
// if the context ended first.
func (l *Lock[T]) RLock(ctx context.Context) (*ReadGuard[T], error) {
	return l.rlock(ctx, callerSite(1))
}

// Lock waits for exclusive access and returns a guard for it. Errors are as
// for RLock.
func (l *Lock[T]) Lock(ctx context.Context) (*WriteGuard[T], error) {
	return l.lock(ctx, callerSite(1))
}

// TryRLock takes shared access if it is available without waiting, and
// returns ErrWouldBlock otherwise. ctx only supplies the worker name.
func (l *Lock[T]) TryRLock(ctx context.Context) (*ReadGuard[T], error) {
	g, err := l.try(ctx, ReadLock, callerSite(1))
	if err != nil {
		return nil, err
	}
	return &ReadGuard[T]{g}, nil
}

// TryLock takes exclusive access if it is available without waiting, and
// returns ErrWouldBlock otherwise. ctx only supplies the worker name.
func (l *Lock[T]) TryLock(ctx context.Context) (*WriteGuard[T], error) {
	g, err := l.try(ctx, WriteLock, callerSite(1))
	if err != nil {
		return nil, err
	}
	return &WriteGuard[T]{g}, nil
}

// Read calls fn with the protected value while holding shared access. The
// guard is released when fn returns or panics.
func (l *Lock[T]) Read(ctx context.Context, fn func(v T) error) error {
	site := callerSite(1)
	g, err := l.rlock(ctx, site)
	if err != nil {
		return err
	}
	defer g.release(site)
	return fn(*g.value())
}

// Write calls fn with a pointer to the protected value while holding
// exclusive access. The guard is released when fn returns or panics; a
// panic poisons the lock before it is released and then continues.
func (l *Lock[T]) Write(ctx context.Context, fn func(v *T) error) error {
	site := callerSite(1)
	g, err := l.lock(ctx, site)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			l.shared.poison()
			l.t.log.Error("Writer panicked, lock poisoned",
				zap.Stringer("site", site),
				zap.String("worker", g.worker),
				zap.Any("panic", r))
			g.release(site)
			panic(r)
		}
		g.release(site)
	}()
	return fn(g.value())
}

// Recover takes exclusive access even if the lock is poisoned and calls fn to
// bring the value back to a consistent state. The poison is cleared when fn
// returns nil. The hold is traced like any other.
func (l *Lock[T]) Recover(ctx context.Context, fn func(v *T) error) error {
	site := callerSite(1)
	g, err := l.acquire(ctx, WriteLock, site, true)
	if err != nil {
		return err
	}
	defer g.release(site)
	if err := fn(g.value()); err != nil {
		return err
	}
	if l.shared.IsPoisoned() {
		l.shared.ClearPoison()
		l.t.log.Info("Lock recovered from poisoning", zap.Stringer("site", site))
	}
	return nil
}

// Stats returns a copy of the lock's counters.
func (l *Lock[T]) Stats() Stats {
	return l.t.stats.snapshot()
}

// Snapshot lists current holders and waiters.
func (l *Lock[T]) Snapshot() Snapshot {
	return l.t.holders.snapshot(l.t.cfg.Name)
}

// Close removes the lock from its registry. It returns ErrBusy, and leaves the
// lock registered, while guards are held.
func (l *Lock[T]) Close() error {
	if n := l.t.holders.active.Size(); n > 0 {
		l.t.log.Warn("Closing lock with active guards", zap.Int("active", n))
		return errors.Wrapf(ErrBusy, "%d guards held", n)
	}
	if l.t.cfg.Registry != nil {
		l.t.cfg.Registry.unregister(l.t.cfg.Name)
	}
	return nil
}

func (l *Lock[T]) rlock(ctx context.Context, site CallSite) (*ReadGuard[T], error) {
	g, err := l.acquire(ctx, ReadLock, site, false)
	if err != nil {
		return nil, err
	}
	return &ReadGuard[T]{g}, nil
}

func (l *Lock[T]) lock(ctx context.Context, site CallSite) (*WriteGuard[T], error) {
	g, err := l.acquire(ctx, WriteLock, site, false)
	if err != nil {
		return nil, err
	}
	return &WriteGuard[T]{g}, nil
}

// acquire emits the acquire record, waits for the underlying lock and wraps
// its guard. With poisonOK a poisoned lock is granted anyway.
func (l *Lock[T]) acquire(ctx context.Context, lt LockType, site CallSite, poisonOK bool) (*guard[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	worker := WorkerName(ctx)
	gid := GoroutineID()
	start := time.Now()
	l.emit(Record{
		Op:          acquireOp(lt),
		Lock:        l.t.cfg.Name,
		Site:        site,
		Worker:      worker,
		GoroutineID: gid,
		Time:        start,
	})

	id := l.t.nextID.Add(1)
	entry := &holderEntry{lockType: lt, site: site, worker: worker, goroutineID: gid, since: start}
	l.t.holders.pending.Store(id, entry)
	waiting := watch(l.t.cfg.WarnThreshold, func(waited time.Duration) {
		l.t.stillPending.Do(func() {
			l.t.log.Warn("Lock request still pending",
				zap.Stringer("type", lt),
				zap.Duration("waited", waited),
				zap.Stringer("site", site),
				zap.String("worker", worker),
				zap.Uint64("goroutine", gid))
		})
	})
	inner, err := l.shared.acquire(ctx, lt, poisonOK)
	waiting.stop()
	l.t.holders.pending.Delete(id)

	if errors.Is(err, ErrPoisoned) {
		return nil, l.poisoned(lt, site)
	}
	if err != nil {
		l.t.stats.total.cancel()
		l.t.stats.site(site).cancel()
		l.t.cfg.Metrics.cancelled(l.t.cfg.Name, lt)
		l.t.log.Debug("Lock acquisition abandoned",
			zap.Stringer("type", lt),
			zap.Stringer("site", site),
			zap.String("worker", worker),
			zap.Duration("waited", time.Since(start)),
			zap.Error(err))
		return nil, errors.Wrapf(err, "acquiring %s at %s", lt, site.Short())
	}
	return l.granted(id, inner, entry, start), nil
}

func (l *Lock[T]) try(ctx context.Context, lt LockType, site CallSite) (*guard[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	worker := WorkerName(ctx)
	gid := GoroutineID()
	start := time.Now()
	l.emit(Record{
		Op:          acquireOp(lt),
		Lock:        l.t.cfg.Name,
		Site:        site,
		Worker:      worker,
		GoroutineID: gid,
		Time:        start,
	})

	inner, err := l.shared.tryAcquire(lt)
	if errors.Is(err, ErrPoisoned) {
		return nil, l.poisoned(lt, site)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "trying %s at %s", lt, site.Short())
	}
	entry := &holderEntry{lockType: lt, site: site, worker: worker, goroutineID: gid, since: start}
	return l.granted(l.t.nextID.Add(1), inner, entry, start), nil
}

func (l *Lock[T]) granted(id uint64, inner *rawGuard[T], entry *holderEntry, start time.Time) *guard[T] {
	acquiredAt := time.Now()
	wait := acquiredAt.Sub(start)

	l.t.stats.total.acquire(wait)
	l.t.stats.site(entry.site).acquire(wait)
	l.t.cfg.Metrics.acquired(l.t.cfg.Name, entry.lockType, wait)

	th := l.t.cfg.WarnThreshold
	if th > 0 && wait > th {
		l.t.slowWait.Do(func() {
			l.t.log.Warn("Lock acquisition took too long",
				zap.Stringer("type", entry.lockType),
				zap.Duration("waited", wait),
				zap.Duration("threshold", th),
				zap.Stringer("site", entry.site),
				zap.String("worker", entry.worker))
		})
	}

	active := *entry
	active.since = acquiredAt
	l.t.holders.active.Store(id, &active)

	return &guard[T]{
		lock:        l,
		inner:       inner,
		id:          id,
		site:        entry.site,
		worker:      entry.worker,
		goroutineID: entry.goroutineID,
		acquiredAt:  acquiredAt,
		held: watch(th, func(held time.Duration) {
			l.t.stillHeld.Do(func() {
				l.t.log.Warn("Lock still held",
					zap.Stringer("type", active.lockType),
					zap.Duration("held", held),
					zap.Stringer("site", active.site),
					zap.String("worker", active.worker),
					zap.Uint64("goroutine", active.goroutineID))
			})
		}),
	}
}

// release emits the release record and then gives the underlying lock back,
// so trace output follows the order in which holders actually held it.
func (l *Lock[T]) release(g *guard[T], releaseSite CallSite, held time.Duration) {
	g.held.stop()
	l.emit(Record{
		Op:          releaseOp(g.lockType()),
		Lock:        l.t.cfg.Name,
		Site:        g.site,
		ReleaseSite: releaseSite,
		Worker:      g.worker,
		GoroutineID: GoroutineID(),
		Time:        time.Now(),
		Duration:    held,
	})

	l.t.holders.active.Delete(g.id)
	g.inner.release()

	l.t.stats.total.release(held)
	l.t.stats.site(g.site).release(held)
	l.t.cfg.Metrics.released(l.t.cfg.Name, g.lockType(), held)

	if th := l.t.cfg.WarnThreshold; th > 0 && held > th {
		l.t.slowHold.Do(func() {
			l.t.log.Warn("Lock held too long",
				zap.Stringer("type", g.lockType()),
				zap.Duration("held", held),
				zap.Duration("threshold", th),
				zap.Stringer("site", g.site),
				zap.Stringer("release_site", releaseSite),
				zap.String("worker", g.worker))
		})
	}
}

func (l *Lock[T]) doubleRelease(g *guard[T], releaseSite CallSite) {
	l.t.log.Warn("Guard released more than once",
		zap.Stringer("type", g.lockType()),
		zap.Stringer("site", g.site),
		zap.Stringer("release_site", releaseSite))
}

func (l *Lock[T]) poisoned(lt LockType, site CallSite) error {
	l.t.log.Error("Acquiring poisoned lock",
		zap.Stringer("type", lt),
		zap.Stringer("site", site))
	return errors.Wrapf(ErrPoisoned, "acquiring %s at %s", lt, site.Short())
}

// emit hands r to the tracer. Tracer errors and panics are counted and
// reported once per distinct message; they never reach the caller.
func (l *Lock[T]) emit(r Record) {
	defer func() {
		if p := recover(); p != nil {
			l.traceFailed(fmt.Errorf("tracer panicked: %v", p))
		}
	}()
	if err := l.t.cfg.Tracer.Trace(r); err != nil {
		l.traceFailed(err)
	}
}

func (l *Lock[T]) traceFailed(err error) {
	l.t.stats.traceErrors.Inc()
	if l.t.reported.first(err.Error()) {
		l.t.log.Warn("Emitting lock trace failed", zap.Error(err))
	}
}
