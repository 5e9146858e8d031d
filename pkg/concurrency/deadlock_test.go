package concurrency

import "testing"

func TestWaitsForGraphEmpty(t *testing.T) {
	g := newWaitsForGraph()
	if g.findCycle() != nil {
		t.Error("cycle detected in empty graph")
	}
}

func TestWaitsForGraphOneEdge(t *testing.T) {
	g := newWaitsForGraph()
	g.rebuild([][2]int64{{1, 2}})
	if g.findCycle() != nil {
		t.Error("cycle detected in one-edge graph")
	}
}

func TestWaitsForGraphSimpleCycle(t *testing.T) {
	g := newWaitsForGraph()
	g.rebuild([][2]int64{{1, 2}, {2, 1}})
	cycle := g.findCycle()
	if cycle == nil {
		t.Fatal("failed to detect cycle")
	}
	if len(cycle) != 2 {
		t.Errorf("expected a 2-node cycle, got %v", cycle)
	}
}

func TestWaitsForGraphDAGNoCycle(t *testing.T) {
	g := newWaitsForGraph()
	// 1 -> 2, 1 -> 3, 2 -> 3: a DAG, duplicate edges collapse harmlessly.
	g.rebuild([][2]int64{{1, 2}, {1, 3}, {2, 3}, {1, 2}})
	if g.findCycle() != nil {
		t.Error("cycle detected in DAG")
	}
}

func TestWaitsForGraphSelfEdgeIgnored(t *testing.T) {
	g := newWaitsForGraph()
	g.rebuild([][2]int64{{1, 1}})
	if g.findCycle() != nil {
		t.Error("a self-edge should never count as a cycle")
	}
}

func TestWaitsForGraphPicksAscendingCycle(t *testing.T) {
	g := newWaitsForGraph()
	// Two disjoint cycles; findCycle must report the one reachable from the
	// lowest-id source first.
	g.rebuild([][2]int64{{5, 6}, {6, 5}, {1, 2}, {2, 1}})
	cycle := g.findCycle()
	if cycle == nil {
		t.Fatal("expected a cycle")
	}
	if cycle[0] != 1 {
		t.Errorf("expected the cycle starting at the lowest txn id (1), got %v", cycle)
	}
}

func TestWaitsForGraphRemoveTxnBreaksCycle(t *testing.T) {
	g := newWaitsForGraph()
	g.rebuild([][2]int64{{1, 2}, {2, 1}})
	g.removeTxn(2)
	if g.findCycle() != nil {
		t.Error("cycle should be gone once a participant is removed")
	}
}
