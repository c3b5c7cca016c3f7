package rwlocktrace

import (
	"sync"
	"time"
)

// watchdog calls warn every interval until stopped. It backs the warnings
// for requests that keep waiting and guards that stay held.
type watchdog struct {
	mut     sync.Mutex
	timer   *time.Timer
	stopped bool
}

// watch returns nil, a stopped watchdog, when every is not positive.
func watch(every time.Duration, warn func(elapsed time.Duration)) *watchdog {
	if every <= 0 {
		return nil
	}
	start := time.Now()
	w := &watchdog{}
	w.mut.Lock()
	defer w.mut.Unlock()
	w.timer = time.AfterFunc(every, func() {
		w.mut.Lock()
		defer w.mut.Unlock()
		if w.stopped {
			return
		}
		warn(time.Since(start))
		w.timer.Reset(every)
	})
	return w
}

func (w *watchdog) stop() {
	if w == nil {
		return
	}
	w.mut.Lock()
	w.stopped = true
	w.timer.Stop()
	w.mut.Unlock()
}
