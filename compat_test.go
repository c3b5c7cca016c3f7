package rwlocktrace_test

import (
	"context"
	"testing"

	"github.com/christophcemper/rwlocktrace"
)

type intReader interface {
	Get() int
	Release()
}

type intWriter interface {
	Get() int
	Set(v int)
	Release()
}

// intLock is the call pattern shared by the plain and the traced lock.
type intLock[R intReader, W intWriter] interface {
	RLock(ctx context.Context) (R, error)
	Lock(ctx context.Context) (W, error)
	TryRLock(ctx context.Context) (R, error)
	Read(ctx context.Context, fn func(v int) error) error
	Write(ctx context.Context, fn func(v *int) error) error
	Recover(ctx context.Context, fn func(v *int) error) error
	IsPoisoned() bool
}

func incrementTwice[R intReader, W intWriter](t *testing.T, l intLock[R, W]) int {
	t.Helper()
	ctx := context.Background()

	w, err := l.Lock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	w.Set(w.Get() + 1)
	w.Release()

	if err := l.Write(ctx, func(v *int) error { *v++; return nil }); err != nil {
		t.Fatal(err)
	}

	r, err := l.RLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release()
	return r.Get()
}

func TestPlainAndTracedLocksShareCallPattern(t *testing.T) {
	plain := rwlocktrace.NewRWLock(5)
	got := incrementTwice[*rwlocktrace.RWLockReadGuard[int], *rwlocktrace.RWLockWriteGuard[int]](t, plain)
	if got != 7 {
		t.Errorf("plain lock: got %d, want 7", got)
	}

	traced := rwlocktrace.New(5, rwlocktrace.WithTracer(rwlocktrace.NopTracer))
	got = incrementTwice[*rwlocktrace.ReadGuard[int], *rwlocktrace.WriteGuard[int]](t, traced)
	if got != 7 {
		t.Errorf("traced lock: got %d, want 7", got)
	}
}

func TestTracedViewOverPlainLock(t *testing.T) {
	ctx := context.Background()
	shared := rwlocktrace.NewRWLock(0)
	traced := rwlocktrace.FromShared(shared, rwlocktrace.WithTracer(rwlocktrace.NopTracer))

	// code still holding the plain lock keeps working next to the traced view
	w, err := shared.Lock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := traced.TryRLock(ctx); err == nil {
		t.Fatal("Traced view should see the plain writer")
	}
	w.Set(41)
	w.Release()

	if err := traced.Write(ctx, func(v *int) error { *v++; return nil }); err != nil {
		t.Fatal(err)
	}
	r, err := shared.RLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release()
	if r.Get() != 42 {
		t.Errorf("Expected 42, got %d", r.Get())
	}
	if traced.Stats().Acquired != 1 {
		t.Errorf("Only the traced write should be counted, got %d", traced.Stats().Acquired)
	}
}
