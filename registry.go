// registry.go keeps track of named locks so their holders can be dumped
package rwlocktrace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// inspectable is the type-erased view of a Lock[T] the registry needs
type inspectable interface {
	Name() string
	Snapshot() Snapshot
	Stats() Stats
}

// Registry collects locks created with WithRegistry. It is owned by the
// caller; there is no package level registry.
type Registry struct {
	locks *xsync.MapOf[string, inspectable]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locks: xsync.NewMapOf[string, inspectable](),
	}
}

// register adds a lock to the registry, replacing any lock of the same name
func (r *Registry) register(l inspectable) {
	r.locks.Store(l.Name(), l)
}

// unregister removes a lock from the registry
func (r *Registry) unregister(name string) {
	r.locks.Delete(name)
}

// Len returns the number of registered locks.
func (r *Registry) Len() int {
	return r.locks.Size()
}

// Names returns the registered lock names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.locks.Size())
	r.locks.Range(func(name string, _ inspectable) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// all returns the registered locks sorted by name
func (r *Registry) all() []inspectable {
	locks := make([]inspectable, 0, r.locks.Size())
	r.locks.Range(func(_ string, l inspectable) bool {
		locks = append(locks, l)
		return true
	})
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Name() < locks[j].Name()
	})
	return locks
}

// LockFilter selects which holders Dump shows
type LockFilter uint8

const (
	ShowPendingReads LockFilter = 1 << iota
	ShowPendingWrites
	ShowActiveReads
	ShowActiveWrites
	ShowStats
)

// Dump describes every registered lock. filters control which holders are
// shown; with no filters everything is.
func (r *Registry) Dump(filters ...LockFilter) string {
	var output strings.Builder
	locks := r.all()

	var combinedFilter LockFilter
	if len(filters) == 0 {
		combinedFilter = ShowPendingReads | ShowPendingWrites | ShowActiveReads | ShowActiveWrites | ShowStats
	} else {
		for _, f := range filters {
			combinedFilter |= f
		}
	}

	output.WriteString("=== rwlocktrace status ===\n\n")
	output.WriteString(fmt.Sprintf("Total Registered Locks: %d\n", len(locks)))
	output.WriteString(fmt.Sprintf("Active Filters: %s\n\n", describeFilters(combinedFilter)))

	if combinedFilter&(ShowPendingReads|ShowPendingWrites) != 0 {
		output.WriteString("--- Locks with Pending Requests ---\n")
		for _, l := range locks {
			writeHolders(&output, l.Name(), "Pending", "Waiting", l.Snapshot().Pending,
				combinedFilter&ShowPendingReads != 0, combinedFilter&ShowPendingWrites != 0)
		}
		output.WriteString("\n")
	}

	if combinedFilter&(ShowActiveReads|ShowActiveWrites) != 0 {
		output.WriteString("--- Locks with Active Guards ---\n")
		for _, l := range locks {
			writeHolders(&output, l.Name(), "Active", "Held", l.Snapshot().Active,
				combinedFilter&ShowActiveReads != 0, combinedFilter&ShowActiveWrites != 0)
		}
		output.WriteString("\n")
	}

	if combinedFilter&ShowStats != 0 {
		output.WriteString("--- Statistics ---\n")
		for _, l := range locks {
			st := l.Stats()
			output.WriteString(fmt.Sprintf("• %s: acquired %d, cancelled %d, avg hold %v, max hold %v, max wait %v\n",
				l.Name(), st.Acquired, st.Cancelled, st.AverageHeld(), st.MaxHeld, st.MaxWait))
		}
		output.WriteString("\n")
	}

	return output.String()
}

func writeHolders(out *strings.Builder, name, state, verb string, holders []Holder, reads, writes bool) {
	var details strings.Builder
	for _, group := range []struct {
		show bool
		lt   LockType
		kind string
	}{
		{reads, ReadLock, "Reads"},
		{writes, WriteLock, "Writes"},
	} {
		if !group.show {
			continue
		}
		var matching []Holder
		for _, h := range holders {
			if h.Type == group.lt {
				matching = append(matching, h)
			}
		}
		if len(matching) == 0 {
			continue
		}
		details.WriteString(fmt.Sprintf("  %s %s: %d\n", state, group.kind, len(matching)))
		for _, h := range matching {
			details.WriteString(fmt.Sprintf("    - %s: %v, Worker: %s, Goroutine: %d, Location: %s\n",
				verb, h.Since, h.Worker, h.GoroutineID, h.Site))
		}
	}
	if details.Len() > 0 {
		out.WriteString(fmt.Sprintf("• %s:\n", name))
		out.WriteString(details.String())
	}
}

// Helper function to describe active filters for output
func describeFilters(filter LockFilter) string {
	if filter == 0 {
		return "None"
	}

	var filters []string
	if filter&ShowPendingReads != 0 {
		filters = append(filters, "PendingReads")
	}
	if filter&ShowPendingWrites != 0 {
		filters = append(filters, "PendingWrites")
	}
	if filter&ShowActiveReads != 0 {
		filters = append(filters, "ActiveReads")
	}
	if filter&ShowActiveWrites != 0 {
		filters = append(filters, "ActiveWrites")
	}
	if filter&ShowStats != 0 {
		filters = append(filters, "Stats")
	}
	return strings.Join(filters, ", ")
}
