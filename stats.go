package rwlocktrace

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// SiteStats are counters for one lock or one acquisition site.
type SiteStats struct {
	Acquired  int64
	Cancelled int64
	TotalHeld time.Duration
	MaxHeld   time.Duration
	TotalWait time.Duration
	MaxWait   time.Duration
}

// AverageHeld returns TotalHeld divided by Acquired, or zero.
func (s SiteStats) AverageHeld() time.Duration {
	if s.Acquired == 0 {
		return 0
	}
	return s.TotalHeld / time.Duration(s.Acquired)
}

// Stats is a point-in-time copy of a lock's counters.
type Stats struct {
	SiteStats
	TraceErrors int64
	Sites       map[string]SiteStats // keyed by CallSite.String of the acquisition
}

// lockStats tracks statistics for a lock or a single acquisition site
type lockStats struct {
	acquired  atomic.Int64
	cancelled atomic.Int64
	totalHeld atomic.Int64 // in nanoseconds
	maxHeld   atomic.Int64 // in nanoseconds
	totalWait atomic.Int64 // in nanoseconds
	maxWait   atomic.Int64 // in nanoseconds
}

func (s *lockStats) acquire(wait time.Duration) {
	s.acquired.Add(1)
	s.totalWait.Add(int64(wait))
	storeMax(&s.maxWait, int64(wait))
}

func (s *lockStats) cancel() {
	s.cancelled.Add(1)
}

func (s *lockStats) release(held time.Duration) {
	s.totalHeld.Add(int64(held))
	storeMax(&s.maxHeld, int64(held))
}

func (s *lockStats) snapshot() SiteStats {
	return SiteStats{
		Acquired:  s.acquired.Load(),
		Cancelled: s.cancelled.Load(),
		TotalHeld: time.Duration(s.totalHeld.Load()),
		MaxHeld:   time.Duration(s.maxHeld.Load()),
		TotalWait: time.Duration(s.totalWait.Load()),
		MaxWait:   time.Duration(s.maxWait.Load()),
	}
}

func storeMax(a *atomic.Int64, v int64) {
	for {
		current := a.Load()
		if v <= current {
			return
		}
		if a.CompareAndSwap(current, v) {
			return
		}
	}
}

// statsTable holds the lock-wide counters and one entry per acquisition site.
type statsTable struct {
	total       lockStats
	sites       *xsync.MapOf[string, *lockStats]
	traceErrors *xsync.Counter
}

func newStatsTable() *statsTable {
	return &statsTable{
		sites:       xsync.NewMapOf[string, *lockStats](),
		traceErrors: xsync.NewCounter(),
	}
}

func (t *statsTable) site(cs CallSite) *lockStats {
	s, _ := t.sites.LoadOrCompute(cs.String(), func() *lockStats {
		return &lockStats{}
	})
	return s
}

func (t *statsTable) snapshot() Stats {
	st := Stats{
		SiteStats:   t.total.snapshot(),
		TraceErrors: t.traceErrors.Value(),
		Sites:       make(map[string]SiteStats, t.sites.Size()),
	}
	t.sites.Range(func(key string, s *lockStats) bool {
		st.Sites[key] = s.snapshot()
		return true
	})
	return st
}

// Holder describes a guard that is held or a request that is waiting.
type Holder struct {
	Type        LockType
	Site        CallSite
	Worker      string
	GoroutineID uint64
	Since       time.Duration // held for, or waiting for
}

// Snapshot is the set of current holders and waiters of a lock.
type Snapshot struct {
	Name    string
	Pending []Holder
	Active  []Holder
}

// holderEntry is stored while a request waits and while a guard is held.
type holderEntry struct {
	lockType    LockType
	site        CallSite
	worker      string
	goroutineID uint64
	since       time.Time
}

func (e *holderEntry) holder(now time.Time) Holder {
	return Holder{
		Type:        e.lockType,
		Site:        e.site,
		Worker:      e.worker,
		GoroutineID: e.goroutineID,
		Since:       now.Sub(e.since),
	}
}

type holderTable struct {
	pending *xsync.MapOf[uint64, *holderEntry]
	active  *xsync.MapOf[uint64, *holderEntry]
}

func newHolderTable() *holderTable {
	return &holderTable{
		pending: xsync.NewMapOf[uint64, *holderEntry](),
		active:  xsync.NewMapOf[uint64, *holderEntry](),
	}
}

func (t *holderTable) snapshot(name string) Snapshot {
	now := time.Now()
	snap := Snapshot{Name: name}
	t.pending.Range(func(_ uint64, e *holderEntry) bool {
		snap.Pending = append(snap.Pending, e.holder(now))
		return true
	})
	t.active.Range(func(_ uint64, e *holderEntry) bool {
		snap.Active = append(snap.Active, e.holder(now))
		return true
	})
	// longest first
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Since > snap.Pending[j].Since })
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].Since > snap.Active[j].Since })
	return snap
}
