package worker

import (
	"testing"
	"time"

	"github.com/mxgateway/mxgateway/internal/config"
)

func TestAssignIsStablePerSession(t *testing.T) {
	p := NewPool(4)
	for _, id := range []uint32{0, 1, 2, 3, 4, 100, 4294967295} {
		first := p.Assign(id)
		second := p.Assign(id)
		if first != second {
			t.Fatalf("Assign(%d) not stable: %d vs %d", id, first, second)
		}
		if first < 0 || first >= p.Count() {
			t.Fatalf("Assign(%d) = %d out of range [0,%d)", id, first, p.Count())
		}
	}
}

func TestNewPoolClampsToOne(t *testing.T) {
	if got := NewPool(0).Count(); got != 1 {
		t.Fatalf("got %d", got)
	}
	if got := NewPool(-3).Count(); got != 1 {
		t.Fatalf("got %d", got)
	}
}

func TestBuildGraphsOneRouterGraphPerWorker(t *testing.T) {
	p := NewPool(3)
	servers := []config.Server{
		{Name: "master", Addr: "10.0.0.1:3306", Rank: 1},
		{Name: "replica1", Addr: "10.0.0.2:3306", Rank: 2},
	}
	graphs, err := BuildGraphs(p, servers, 5, time.Minute)
	if err != nil {
		t.Fatalf("BuildGraphs: %v", err)
	}
	if len(graphs) != 3 {
		t.Fatalf("got %d graphs", len(graphs))
	}
	for i, g := range graphs {
		if _, ok := g.Lookup("master"); !ok {
			t.Fatalf("graph %d missing master target", i)
		}
		if _, ok := g.Lookup("replica1"); !ok {
			t.Fatalf("graph %d missing replica1 target", i)
		}
	}
	// Distinct graphs must not share the same Target object, since each
	// wraps its own backend.Pool.
	t0, _ := graphs[0].Lookup("master")
	t1, _ := graphs[1].Lookup("master")
	if t0 == t1 {
		t.Fatal("expected distinct Target instances per worker")
	}
}
