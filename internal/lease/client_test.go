package lease

import (
	"testing"

	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

func TestClientTablePutFindDelete(t *testing.T) {
	table := NewClientTable(2)

	if i := table.Put(1, 0x7f000001, 7001); i < 0 {
		t.Fatal("expected a free slot")
	}
	if i := table.Put(2, 0x7f000001, 7002); i < 0 {
		t.Fatal("expected a second free slot")
	}
	if i := table.Put(3, 0x7f000001, 7003); i != -1 {
		t.Fatalf("expected Full once capacity is exhausted, got %d", i)
	}

	if idx := table.Find(2); idx < 0 {
		t.Fatal("expected to find entry for env 2")
	}
	if idx := table.Delete(2); idx < 0 {
		t.Fatal("expected delete to succeed")
	}
	if idx := table.Find(2); idx != -1 {
		t.Fatal("entry should be gone after delete")
	}
	if i := table.Put(4, 0x7f000001, 7004); i < 0 {
		t.Fatal("expected the freed slot to be reusable")
	}
}

func TestClientTableSweepReleasesNonLeasedEntries(t *testing.T) {
	table := NewClientTable(4)
	table.Put(1, 0x7f000001, 7001)
	table.Put(2, 0x7f000001, 7002)

	statuses := map[kernel.EnvID]kernel.Status{
		1: kernel.Leased,
		2: kernel.Runnable,
	}
	table.Sweep(func(id kernel.EnvID) kernel.Status { return statuses[id] })

	if idx := table.Find(1); idx < 0 {
		t.Fatal("leased entry should survive the sweep")
	}
	if idx := table.Find(2); idx != -1 {
		t.Fatal("non-leased entry should be swept")
	}
}
