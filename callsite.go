package rwlocktrace

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
)

// UnknownWorker is reported when the caller's context names no worker.
const UnknownWorker = "unknown"

// workerLabel is the pprof label key carrying the worker name.
const workerLabel = "worker"

// CallSite is a source location in the caller's code.
type CallSite struct {
	File     string
	Line     int
	Function string // fully qualified, e.g. "github.com/x/y.(*T).Run"
}

// FunctionName returns the function without its import path, or "unknown".
func (cs CallSite) FunctionName() string {
	if cs.Function == "" {
		return "unknown"
	}
	return cs.Function[strings.LastIndex(cs.Function, "/")+1:]
}

// IsZero reports whether the site was never captured.
func (cs CallSite) IsZero() bool {
	return cs.File == "" && cs.Line == 0
}

func (cs CallSite) String() string {
	if cs.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", cs.File, cs.Line)
}

// Short is String with the directory stripped.
func (cs CallSite) Short() string {
	if cs.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(cs.File), cs.Line)
}

// callerSite returns the location skip frames above its own caller, so
// callerSite(0) is the function that called callerSite and callerSite(1) is
// whoever called that. Every exported entry point captures its site exactly
// once and threads it down, which keeps the skip count fixed.
func callerSite(skip int) CallSite {
	var pcs [1]uintptr
	// +2 skips runtime.Callers and callerSite itself
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return CallSite{}
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	return CallSite{
		File:     frame.File,
		Line:     frame.Line,
		Function: frame.Function,
	}
}

// WithWorker returns a context that names the worker running under it. The
// name travels as a pprof label, so it also shows up in CPU and goroutine
// profiles taken while the work runs under Do.
func WithWorker(ctx context.Context, name string) context.Context {
	return pprof.WithLabels(ctx, pprof.Labels(workerLabel, name))
}

// Do runs fn with ctx naming the worker and with the label set on the current
// goroutine for the duration of the call.
func Do(ctx context.Context, name string, fn func(ctx context.Context)) {
	pprof.Do(ctx, pprof.Labels(workerLabel, name), fn)
}

// WorkerName returns the worker named by ctx, or UnknownWorker.
func WorkerName(ctx context.Context) string {
	if ctx == nil {
		return UnknownWorker
	}
	if name, ok := pprof.Label(ctx, workerLabel); ok && name != "" {
		return name
	}
	return UnknownWorker
}
