package rwlocktrace

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder collects records for assertions
type recorder struct {
	mut     sync.Mutex
	records []Record
}

func (r *recorder) Trace(rec Record) error {
	r.mut.Lock()
	r.records = append(r.records, rec)
	r.mut.Unlock()
	return nil
}

func (r *recorder) all() []Record {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]Record(nil), r.records...)
}

func (r *recorder) count(op Op) int {
	n := 0
	for _, rec := range r.all() {
		if rec.Op == op {
			n++
		}
	}
	return n
}

func (r *recorder) ops() []Op {
	var ops []Op
	for _, rec := range r.all() {
		ops = append(ops, rec.Op)
	}
	return ops
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestWriterTracerFormat(t *testing.T) {
	var buf bytes.Buffer
	lock := New(5, WithTracer(NewWriterTracer(&buf)))
	ctx := WithWorker(context.Background(), "tester")

	g, err := lock.Lock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	g.Release()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	callPrefix := "Function 'rwlocktrace.TestWriterTracerFormat' called at "
	for _, i := range []int{0, 2} {
		if !strings.HasPrefix(lines[i], callPrefix) {
			t.Errorf("Line %d = %q, want prefix %q", i, lines[i], callPrefix)
		}
		if !strings.Contains(lines[i], "tracer_test.go:") || !strings.HasSuffix(lines[i], " on thread tester") {
			t.Errorf("Line %d = %q lacks site or worker", i, lines[i])
		}
	}
	if !strings.HasPrefix(lines[1], "Write lock released. Duration: ") {
		t.Errorf("Unexpected release line %q", lines[1])
	}
	// both call lines point at the acquisition
	if lines[0] != lines[2] {
		t.Errorf("Release should be attributed to the acquisition site:\n%s\n%s", lines[0], lines[2])
	}
}

func TestRecordString(t *testing.T) {
	site := CallSite{File: "/src/app/main.go", Line: 42, Function: "example.com/app.worker"}
	acquire := Record{Op: AcquireShared, Site: site, Worker: UnknownWorker}
	if got, want := acquire.String(), "Function 'app.worker' called at /src/app/main.go:42 on thread unknown"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	release := Record{Op: ReleaseShared, Site: site, Worker: "w", Duration: 1500 * time.Millisecond}
	want := "Read lock released. Duration: 1.5s\nFunction 'app.worker' called at /src/app/main.go:42 on thread w"
	if got := release.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTraceFailureIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	lock := New(1,
		WithTracer(NewWriterTracer(failingWriter{})),
		WithLogger(zap.New(core)),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := lock.Write(ctx, func(v *int) error {
			*v++
			return nil
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	var got int
	_ = lock.Read(ctx, func(v int) error { got = v; return nil })
	if got != 4 {
		t.Errorf("Expected 4, got %d", got)
	}
	if n := lock.Stats().TraceErrors; n != 8 {
		t.Errorf("Expected 8 trace errors, got %d", n)
	}
	if n := logs.FilterMessage("Emitting lock trace failed").Len(); n != 1 {
		t.Errorf("Expected the failure to be logged once, got %d", n)
	}
}

func TestPanickingTracerIsNotFatal(t *testing.T) {
	lock := New(1, WithTracer(TracerFunc(func(Record) error {
		panic("boom")
	})))

	g, err := lock.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	g.Release()

	// the lock must have been released despite the panic
	if _, err := lock.TryLock(context.Background()); err != nil {
		t.Fatalf("Lock still held: %v", err)
	}
	if n := lock.Stats().TraceErrors; n != 3 {
		t.Errorf("Expected 3 trace errors, got %d", n)
	}
}

func TestZapTracer(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	lock := New("v", WithName("zapped"), WithTracer(NewZapTracer(zap.New(core))))

	g, err := lock.RLock(WithWorker(context.Background(), "z"))
	if err != nil {
		t.Fatal(err)
	}
	g.Release()

	entries := logs.FilterMessage("lock access").All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	fields := entries[1].ContextMap()
	if fields["op"] != "release-shared" || fields["lock"] != "zapped" || fields["worker"] != "z" {
		t.Errorf("Unexpected fields %v", fields)
	}
	if _, ok := fields["held"]; !ok {
		t.Error("Release entry should carry the held duration")
	}
}

func TestMultiTracer(t *testing.T) {
	var a, b recorder
	failing := TracerFunc(func(Record) error { return errors.New("nope") })
	mt := MultiTracer(&a, failing, &b)

	if err := mt.Trace(Record{Op: AcquireExclusive}); err == nil {
		t.Error("Expected the failing tracer's error")
	}
	if len(a.all()) != 1 || len(b.all()) != 1 {
		t.Error("Every tracer should receive the record")
	}
}
