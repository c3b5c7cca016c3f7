package rwlocktrace

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	goroutinePrefix = []byte("goroutine ")

	// stack header buffers, pooled as *[]byte so Put does not allocate
	headerBuffers = sync.Pool{
		New: func() interface{} {
			b := make([]byte, 64)
			return &b
		},
	}
)

// GoroutineID returns the runtime's id of the calling goroutine, or 0 if it
// cannot be determined. It is meant for attribution in traces only.
func GoroutineID() uint64 {
	bp := headerBuffers.Get().(*[]byte)
	defer headerBuffers.Put(bp)

	// The first line is "goroutine 123 [running]:", 64 bytes are plenty.
	n := runtime.Stack(*bp, false)
	return parseGoroutineID((*bp)[:n])
}

// parseGoroutineID extracts the id from a stack header.
func parseGoroutineID(buf []byte) uint64 {
	if !bytes.HasPrefix(buf, goroutinePrefix) {
		return 0
	}
	buf = buf[len(goroutinePrefix):]
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		buf = buf[:i]
	}
	id, err := strconv.ParseUint(string(buf), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
