package rwlocktrace

import (
	"sync"
)

// onceSet remembers messages that have already been reported so repeated
// failures are logged a single time per lock.
type onceSet struct {
	seen sync.Map
}

// first returns true the first time msg is seen
func (o *onceSet) first(msg string) bool {
	_, loaded := o.seen.LoadOrStore(msg, struct{}{})
	return !loaded
}
