// Package graph implements the directed graph used to detect dependency loops
// and to split monitored items into accessibility packs.
package graph

// NodeID identifies a monitored item (host or service) in the graph.
// Identifiers are unique across the whole object catalog.
type NodeID = string

// Status is the traversal state of a node. It is only meaningful while a
// traversal runs; every traversal resets all nodes to Unchecked on exit.
type Status int

const (
	// Unchecked means no traversal has reached the node yet.
	Unchecked Status = iota
	// Temp marks a node on the current DFS path.
	Temp
	// LoopInside marks a node lying on at least one directed cycle.
	LoopInside
	// NearLoop marks a node that reaches a cycle without being part of one.
	NearLoop
	// OK marks a node proven loop-free.
	OK
	// Visited marks a node already collected into an accessibility pack.
	Visited
)

// String returns the lowercase status name used in logs.
func (s Status) String() string {
	switch s {
	case Unchecked:
		return "unchecked"
	case Temp:
		return "temp"
	case LoopInside:
		return "loop_inside"
	case NearLoop:
		return "near_loop"
	case OK:
		return "ok"
	case Visited:
		return "visited"
	default:
		return "unknown"
	}
}

// Pack is a set of nodes mutually reachable through the graph.
// Members are listed in discovery order.
type Pack []NodeID

type node struct {
	status     Status
	successors []NodeID
}

// Graph is a directed graph keyed by NodeID.
//
// Graph is not safe for concurrent use. It is built once per partitioning
// pass and discarded once packs are computed.
type Graph struct {
	nodes map[NodeID]*node
	order []NodeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]*node)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Nodes returns every node id in insertion order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, len(g.order))
	copy(out, g.order)
	return out
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Successors returns a copy of the successor list of id.
func (g *Graph) Successors(id NodeID) []NodeID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]NodeID, len(n.successors))
	copy(out, n.successors)
	return out
}

// StatusOf returns the traversal status of id. Outside a traversal every
// node reports Unchecked.
func (g *Graph) StatusOf(id NodeID) Status {
	if n, ok := g.nodes[id]; ok {
		return n.status
	}
	return Unchecked
}

// AddNode inserts id with an empty successor list. It is a no-op when the
// node already exists.
func (g *Graph) AddNode(id NodeID) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{}
	g.order = append(g.order, id)
}

// AddEdge appends to to the successors of from, creating both nodes when
// missing. Duplicate edges are kept; callers dedup before inserting.
func (g *Graph) AddEdge(from, to NodeID) {
	g.AddNode(from)
	g.AddNode(to)
	n := g.nodes[from]
	n.successors = append(n.successors, to)
}

// LoopCheck returns every node lying on at least one directed cycle,
// self loops included, in insertion order. Nodes that merely reach a cycle
// are not reported.
//
// The check is a depth first search that keeps the current path in Temp
// state and closes strongly connected components with low-link values, so
// a node is classified LoopInside only when it shares a component with
// another node or points to itself.
func (g *Graph) LoopCheck() []NodeID {
	g.resetStatus()
	defer g.resetStatus()

	s := &loopSearch{
		g:       g,
		index:   make(map[NodeID]int, len(g.order)),
		lowLink: make(map[NodeID]int, len(g.order)),
		onStack: make(map[NodeID]bool, len(g.order)),
	}
	for _, id := range g.order {
		if g.nodes[id].status == Unchecked {
			s.visit(id)
		}
	}

	var loops []NodeID
	for _, id := range g.order {
		if g.nodes[id].status == LoopInside {
			loops = append(loops, id)
		}
	}
	return loops
}

type loopSearch struct {
	g       *Graph
	index   map[NodeID]int
	lowLink map[NodeID]int
	onStack map[NodeID]bool
	stack   []NodeID
	counter int
}

func (s *loopSearch) visit(id NodeID) {
	n := s.g.nodes[id]
	n.status = Temp
	s.index[id] = s.counter
	s.lowLink[id] = s.counter
	s.counter++
	s.stack = append(s.stack, id)
	s.onStack[id] = true

	for _, succ := range n.successors {
		if s.g.nodes[succ].status == Unchecked {
			s.visit(succ)
			s.lowLink[id] = min(s.lowLink[id], s.lowLink[succ])
		} else if s.onStack[succ] {
			s.lowLink[id] = min(s.lowLink[id], s.index[succ])
		}
	}

	if s.lowLink[id] != s.index[id] {
		return
	}

	// id is the root of a component: pop it and classify its members.
	var members []NodeID
	for {
		top := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		s.onStack[top] = false
		members = append(members, top)
		if top == id {
			break
		}
	}

	if len(members) > 1 || s.selfLoop(id) {
		for _, m := range members {
			s.g.nodes[m].status = LoopInside
		}
		return
	}

	// Successor components are already closed, so their status is final.
	n.status = OK
	for _, succ := range n.successors {
		switch s.g.nodes[succ].status {
		case LoopInside, NearLoop:
			n.status = NearLoop
		}
	}
}

func (s *loopSearch) selfLoop(id NodeID) bool {
	for _, succ := range s.g.nodes[id].successors {
		if succ == id {
			return true
		}
	}
	return false
}

// AccessibilityPacks groups nodes into packs by following successors.
// Every node lands in exactly one pack. Relations meant to be symmetric must
// be inserted in both directions, predecessors are never followed.
func (g *Graph) AccessibilityPacks() []Pack {
	g.resetStatus()
	defer g.resetStatus()

	var packs []Pack
	for _, id := range g.order {
		if g.nodes[id].status != Unchecked {
			continue
		}
		packs = append(packs, g.collectReachable(id))
	}
	return packs
}

// collectReachable gathers root and every unvisited node reachable from it.
// It uses an explicit stack so very deep parent chains do not grow the
// goroutine stack.
func (g *Graph) collectReachable(root NodeID) Pack {
	pack := Pack{root}
	g.nodes[root].status = Visited
	stack := []NodeID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range g.nodes[id].successors {
			if g.nodes[succ].status == Visited {
				continue
			}
			g.nodes[succ].status = Visited
			pack = append(pack, succ)
			stack = append(stack, succ)
		}
	}
	return pack
}

func (g *Graph) resetStatus() {
	for _, n := range g.nodes {
		n.status = Unchecked
	}
}
