// Package lease implements the client-side and server-side lease tables
// of spec.md §4.2: linear arrays scanned by identifier, owned by a single
// user process each and therefore lock-free (spec.md §5: "require no
// locking since that process is single-threaded cooperative"). Both
// tables here additionally take a mutex because, unlike the original lab,
// the Go gateways may run lease-table operations from more than one
// goroutine (e.g. a GC timer alongside the accept loop); the tables
// themselves stay simple linear-scan arrays either way.
package lease

import (
	"sync"

	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

// ClientEntry records where a locally-originated env was shipped
// (spec.md §3: CLEASES entries).
type ClientEntry struct {
	EnvID      kernel.EnvID
	LesseeIP   uint32
	LesseePort uint16
}

// ClientTable is the client-side lease table (spec.md §4.2).
type ClientTable struct {
	mu      sync.Mutex
	entries []ClientEntry
	used    []bool
}

// NewClientTable creates a table with the given fixed capacity (CLEASES).
func NewClientTable(capacity int) *ClientTable {
	return &ClientTable{
		entries: make([]ClientEntry, capacity),
		used:    make([]bool, capacity),
	}
}

// Put inserts a new entry, returning its index or Full (-1) if the table
// has no free slot.
func (t *ClientTable) Put(envID kernel.EnvID, ip uint32, port uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.used {
		if !t.used[i] {
			t.used[i] = true
			t.entries[i] = ClientEntry{EnvID: envID, LesseeIP: ip, LesseePort: port}
			return i
		}
	}
	return -1
}

// Find returns the index of envID's entry, or -1 if absent.
func (t *ClientTable) Find(envID kernel.EnvID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(envID)
}

func (t *ClientTable) findLocked(envID kernel.EnvID) int {
	for i, used := range t.used {
		if used && t.entries[i].EnvID == envID {
			return i
		}
	}
	return -1
}

// Delete removes envID's entry, returning its former index or -1.
func (t *ClientTable) Delete(envID kernel.EnvID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.findLocked(envID)
	if i < 0 {
		return -1
	}
	t.used[i] = false
	t.entries[i] = ClientEntry{}
	return i
}

// Sweep scans every entry whose local slot has left LEASED status and
// releases it — spec.md §4.2's example is "an alien env that returned
// home". statusOf is expected to call into kernel.Registry.LookupByID and
// report kernel.Free if the slot no longer exists at all.
func (t *ClientTable) Sweep(statusOf func(kernel.EnvID) kernel.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.used {
		if !used {
			continue
		}
		if statusOf(t.entries[i].EnvID) != kernel.Leased {
			t.used[i] = false
			t.entries[i] = ClientEntry{}
		}
	}
}

// Entries returns a snapshot of the live entries, for tests and logging.
func (t *ClientTable) Entries() []ClientEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ClientEntry, 0, len(t.entries))
	for i, used := range t.used {
		if used {
			out = append(out, t.entries[i])
		}
	}
	return out
}
