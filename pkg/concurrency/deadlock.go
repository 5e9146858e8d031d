package concurrency

import (
	"sort"
	"sync"
	"time"
)

// waitsForGraph is the precedence graph the background detector rebuilds
// each sweep: an edge from→to means transaction from is waiting on a lock
// held by transaction to.
type waitsForGraph struct {
	mtx   sync.Mutex
	edges map[int64]map[int64]struct{}
}

func newWaitsForGraph() *waitsForGraph {
	return &waitsForGraph{edges: make(map[int64]map[int64]struct{})}
}

// rebuild replaces the graph's edges with pairs, deduplicating multi-edges.
func (g *waitsForGraph) rebuild(pairs [][2]int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.edges = make(map[int64]map[int64]struct{})
	for _, p := range pairs {
		from, to := p[0], p[1]
		if from == to {
			continue
		}
		if g.edges[from] == nil {
			g.edges[from] = make(map[int64]struct{})
		}
		g.edges[from][to] = struct{}{}
	}
}

func (g *waitsForGraph) sortedSources() []int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	srcs := make([]int64, 0, len(g.edges))
	for k := range g.edges {
		srcs = append(srcs, k)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	return srcs
}

func (g *waitsForGraph) neighbors(id int64) []int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	ns := make([]int64, 0, len(g.edges[id]))
	for n := range g.edges[id] {
		ns = append(ns, n)
	}
	sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
	return ns
}

func (g *waitsForGraph) removeTxn(id int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	delete(g.edges, id)
	for from := range g.edges {
		delete(g.edges[from], id)
	}
}

// findCycle runs a DFS from every source in ascending txn-id order,
// following neighbors in ascending order, and returns the first cycle
// found as the ordered list of txn ids composing it.
func (g *waitsForGraph) findCycle() []int64 {
	for _, src := range g.sortedSources() {
		visited := make(map[int64]bool)
		onPath := make(map[int64]bool)
		path := []int64{}
		if cycle := g.dfs(src, visited, onPath, &path); cycle != nil {
			return cycle
		}
	}
	return nil
}

func (g *waitsForGraph) dfs(node int64, visited, onPath map[int64]bool, path *[]int64) []int64 {
	if onPath[node] {
		for i, n := range *path {
			if n == node {
				cycle := make([]int64, len(*path)-i)
				copy(cycle, (*path)[i:])
				return cycle
			}
		}
	}
	if visited[node] {
		return nil
	}
	visited[node] = true
	onPath[node] = true
	*path = append(*path, node)
	for _, next := range g.neighbors(node) {
		if cycle := g.dfs(next, visited, onPath, path); cycle != nil {
			return cycle
		}
	}
	*path = (*path)[:len(*path)-1]
	onPath[node] = false
	return nil
}

// Detector is the background worker that periodically scans the lock
// manager's wait queues, aborts the youngest transaction on any cycle it
// finds, and wakes every waiter so they can re-check grantability.
type Detector struct {
	lm       *LockManager
	tm       *TransactionManager
	interval time.Duration
	graph    *waitsForGraph

	stop chan struct{}
	done chan struct{}
}

func newDetector(lm *LockManager, tm *TransactionManager, interval time.Duration) *Detector {
	return &Detector{
		lm:       lm,
		tm:       tm,
		interval: interval,
		graph:    newWaitsForGraph(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Detector) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep rebuilds the graph and aborts victims until no cycle remains. The
// last graph built is kept until the next sweep rebuilds it.
func (d *Detector) sweep() {
	for {
		d.graph.rebuild(d.lm.waitEdges())
		cycle := d.graph.findCycle()
		if cycle == nil {
			return
		}
		victimID := cycle[0]
		for _, id := range cycle[1:] {
			if id > victimID {
				victimID = id
			}
		}
		if txn, ok := d.tm.GetTransaction(victimID); ok {
			txn.setState(Aborted)
			d.lm.releaseAll(txn)
		}
		d.graph.removeTxn(victimID)
		d.lm.broadcastAll()
	}
}

// Stop halts the detector and waits for its goroutine to exit.
func (d *Detector) Stop() {
	close(d.stop)
	<-d.done
}
