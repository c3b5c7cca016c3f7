package rwlocktrace

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// A Tracer receives every access record a Lock produces. Trace is called
// synchronously on the path of the lock operation and should be fast. A
// returned error is counted and logged once; it never fails the lock
// operation.
type Tracer interface {
	Trace(r Record) error
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(r Record) error

func (f TracerFunc) Trace(r Record) error {
	return f(r)
}

// NopTracer drops all records.
var NopTracer Tracer = nopTracer{}

type nopTracer struct{}

func (nopTracer) Trace(Record) error { return nil }

// WriterTracer writes records as text lines, see Record.String.
type WriterTracer struct {
	mut sync.Mutex
	w   io.Writer
}

// NewWriterTracer returns a tracer writing to w.
func NewWriterTracer(w io.Writer) *WriterTracer {
	return &WriterTracer{w: w}
}

// NewStdoutTracer returns a tracer writing to standard output.
func NewStdoutTracer() *WriterTracer {
	return NewWriterTracer(os.Stdout)
}

func (t *WriterTracer) Trace(r Record) error {
	line := r.String() + "\n"
	t.mut.Lock()
	defer t.mut.Unlock()
	if _, err := io.WriteString(t.w, line); err != nil {
		return errors.Wrap(err, "writing trace record")
	}
	return nil
}

// ZapTracer logs records as structured debug entries.
type ZapTracer struct {
	logger *zap.Logger
}

// NewZapTracer returns a tracer logging to logger.
func NewZapTracer(logger *zap.Logger) *ZapTracer {
	return &ZapTracer{logger: logger}
}

func (t *ZapTracer) Trace(r Record) error {
	fields := []zap.Field{
		zap.Stringer("op", r.Op),
		zap.String("lock", r.Lock),
		zap.String("function", r.Site.FunctionName()),
		zap.Stringer("site", r.Site),
		zap.String("worker", r.Worker),
		zap.Uint64("goroutine", r.GoroutineID),
		zap.Time("time", r.Time),
	}
	if r.Op.IsRelease() {
		fields = append(fields,
			zap.Duration("held", r.Duration),
			zap.Stringer("release_site", r.ReleaseSite),
		)
	}
	t.logger.Debug("lock access", fields...)
	return nil
}

// multiTracer fans a record out to several tracers and returns the first
// error after all of them have run.
type multiTracer []Tracer

// MultiTracer returns a tracer that forwards every record to all of ts.
func MultiTracer(ts ...Tracer) Tracer {
	return multiTracer(ts)
}

func (m multiTracer) Trace(r Record) error {
	var first error
	for _, t := range m {
		if err := t.Trace(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
