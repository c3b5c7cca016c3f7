/*
Package rwlocktrace provides an instrumented reader-writer lock that records
where it is taken and for how long.

Key Features:
  - Emits an access record when a caller starts waiting for the lock
  - Emits exactly one release record per granted guard, with the held duration
  - Attributes holds to the caller's file and line and to a worker name taken
    from the context
  - Context-aware acquisition: a cancelled wait returns an error and no guard
  - Optional per-site statistics, Prometheus metrics and a registry dump

Basic Usage:

	lock := rwlocktrace.New(5, rwlocktrace.WithName("counter"))

	ctx := rwlocktrace.WithWorker(context.Background(), "worker-1")

	g, err := lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	g.Set(g.Get() + 1)

Or with guaranteed release on every exit path:

	err := lock.Write(ctx, func(v *int) error {
		*v++
		return nil
	})

Trace Format:
The default tracer writes to stdout. An acquire record is one line:

	Function 'main.worker' called at /src/main.go:42 on thread worker-1

A release record is two lines, the second attributing the hold to the site
that acquired it:

	Write lock released. Duration: 2.000153s
	Function 'main.worker' called at /src/main.go:42 on thread worker-1

A cancelled acquisition produces the acquire line only. This is expected:
release records pair with guards, not with attempts.
*/
package rwlocktrace
