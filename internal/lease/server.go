package lease

import (
	"sync"

	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

// ServerStatus is a server-side lease entry's progress state (spec.md §3).
type ServerStatus int

const (
	// SFree marks an unused table slot.
	SFree ServerStatus = iota
	// SBusy marks a lease whose destination env is mid-transfer.
	SBusy
	// SDone marks an armed (or finished) lease, per the DONE semantics
	// spec.md §9 flags as ambiguous in the original: "env armed and now
	// running or finished".
	SDone
)

// ServerEntry records an in-progress or completed incoming lease
// (spec.md §3: SLEASES entries).
type ServerEntry struct {
	SrcEID      kernel.EnvID
	DstEID      kernel.EnvID
	Status      ServerStatus
	StartTimeMs int64
	ThisEnvPtr  uint32
}

// ServerTable is the server-side lease table (spec.md §4.2).
type ServerTable struct {
	mu      sync.Mutex
	entries []ServerEntry
	used    []bool
}

// NewServerTable creates a table with the given fixed capacity (SLEASES).
func NewServerTable(capacity int) *ServerTable {
	return &ServerTable{
		entries: make([]ServerEntry, capacity),
		used:    make([]bool, capacity),
	}
}

// Allocate claims the first FREE entry and marks it BUSY, returning its
// index or NoLease (-1) if the table is full.
func (t *ServerTable) Allocate(src kernel.EnvID, dst kernel.EnvID, nowMs int64, thisEnvPtr uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.used {
		if !t.used[i] {
			t.used[i] = true
			t.entries[i] = ServerEntry{
				SrcEID:      src,
				DstEID:      dst,
				Status:      SBusy,
				StartTimeMs: nowMs,
				ThisEnvPtr:  thisEnvPtr,
			}
			return i
		}
	}
	return -1
}

// HasFree reports whether Allocate would succeed right now, without
// mutating anything — used by START_LEASE's admission check (spec.md §4.5:
// "reject unless at least one FREE server lease entry exists").
func (t *ServerTable) HasFree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, used := range t.used {
		if !used {
			return true
		}
	}
	return false
}

// FindBySrc returns the index of the entry whose origin id is src, or -1.
func (t *ServerTable) FindBySrc(src kernel.EnvID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findBySrcLocked(src)
}

func (t *ServerTable) findBySrcLocked(src kernel.EnvID) int {
	for i, used := range t.used {
		if used && t.entries[i].SrcEID == src {
			return i
		}
	}
	return -1
}

// Get returns a copy of the entry at index, and whether it is in use.
func (t *ServerTable) Get(index int) (ServerEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.used) || !t.used[index] {
		return ServerEntry{}, false
	}
	return t.entries[index], true
}

// SetStatus updates the status field of the entry at index.
func (t *ServerTable) SetStatus(index int, status ServerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.used) || !t.used[index] {
		return
	}
	t.entries[index].Status = status
}

// Destroy clears the entry at index.
func (t *ServerTable) Destroy(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyLocked(index)
}

func (t *ServerTable) destroyLocked(index int) {
	if index < 0 || index >= len(t.used) || !t.used[index] {
		return
	}
	t.used[index] = false
	t.entries[index] = ServerEntry{}
}

// GC evicts BUSY entries whose deadline has expired, returning the
// destination env ids whose partially-built envs the caller must destroy
// in the kernel (spec.md §4.2, §4.5 "Server GC").
func (t *ServerTable) GC(nowMs int64, ttlMs int64) []kernel.EnvID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []kernel.EnvID
	for i, used := range t.used {
		if !used || t.entries[i].Status != SBusy {
			continue
		}
		if nowMs-t.entries[i].StartTimeMs > ttlMs {
			evicted = append(evicted, t.entries[i].DstEID)
			t.destroyLocked(i)
		}
	}
	return evicted
}

// SweepCompleted evicts DONE entries whose destination env either isn't
// alien anymore or no longer exists, i.e. it has returned to FREE
// (spec.md §4.2: "a separate completion sweep"). statusOf must report
// kernel.Free for an id that no longer resolves to a live slot.
func (t *ServerTable) SweepCompleted(statusOf func(kernel.EnvID) (status kernel.Status, alien bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.used {
		if !used || t.entries[i].Status != SDone {
			continue
		}
		status, alien := statusOf(t.entries[i].DstEID)
		if !alien || status == kernel.Free {
			t.destroyLocked(i)
		}
	}
}
