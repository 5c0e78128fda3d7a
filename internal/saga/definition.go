// Package saga defines sagas as immutable directed acyclic graphs of steps and
// the engine that traverses them.
//
// Every saga has a start node "S" and an implicit terminal join node "E".
// Neither carries an adapter: "S" records the saga input in the write-ahead
// log, "E" marks the execution as complete. A node declared without outgoing
// edges is linked to "E".
package saga

import (
	"errors"
	"fmt"
	"sort"

	"github.com/descoped/linked-data-store-core/internal/coordinator/sagalog"
)

const (
	// StartID is the id of the start node of every saga.
	StartID = sagalog.StartNodeID
	// EndID is the id of the terminal join node of every saga.
	EndID = sagalog.EndNodeID
)

// ErrInvalidDefinition is returned when a saga definition cannot be built.
var ErrInvalidDefinition = errors.New("saga: invalid definition")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// Node is a single step of a saga.
type Node struct {
	// ID is unique within the saga.
	ID string
	// AdapterName names the adapter that executes this node. Empty for S and E.
	AdapterName string
	// Outgoing holds the ids of the nodes that depend on this one, in
	// declaration order.
	Outgoing []string
	// Incoming holds the ids of the nodes this one waits for.
	Incoming []string
}

// IsStart reports whether n is the start node.
func (n *Node) IsStart() bool { return n.ID == StartID }

// IsEnd reports whether n is the terminal join node.
func (n *Node) IsEnd() bool { return n.ID == EndID }

// Definition is an immutable, validated saga.
//
// It is safe for concurrent read access.
type Definition struct {
	name  string
	nodes map[string]*Node
	order []string
}

// Name returns the saga name. It is stored in every log entry and used to look
// the definition up again during recovery.
func (d *Definition) Name() string { return d.name }

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Start returns the start node.
func (d *Definition) Start() *Node { return d.nodes[StartID] }

// TopologicalOrder returns the node ids in a deterministic topological order,
// starting with S and ending with E.
func (d *Definition) TopologicalOrder() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// AdapterNames returns the distinct adapter names used by the saga.
func (d *Definition) AdapterNames() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range d.order {
		name := d.nodes[id].AdapterName
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

type nodeSpec struct {
	id      string
	adapter string
	next    []string
}

// Builder collects the nodes of a saga and validates them on Build.
//
//	def, err := saga.New("Create or update managed resource").
//		Start("txlog").
//		Node("txlog", "TxLog-put-entry", "persistence").
//		Node("persistence", "Persistence-Create-or-Overwrite").
//		Build()
type Builder struct {
	name  string
	start []string
	specs []nodeSpec
}

// New starts a saga definition with the given name.
func New(name string) *Builder {
	return &Builder{name: name}
}

// Start declares the nodes that run first.
func (b *Builder) Start(next ...string) *Builder {
	b.start = append(b.start, next...)
	return b
}

// Node declares a node executed by adapter, followed by next. A node with no
// next nodes is linked to E.
func (b *Builder) Node(id, adapter string, next ...string) *Builder {
	b.specs = append(b.specs, nodeSpec{id: id, adapter: adapter, next: next})
	return b
}

// Build validates the declared nodes and returns the immutable definition.
//
// Validation rejects:
//   - an empty saga name or a saga without nodes
//   - empty, duplicate or reserved node ids
//   - nodes without an adapter name
//   - edges to unknown nodes, duplicate edges and self-loops
//   - cycles
//   - nodes unreachable from S
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, invalidf("saga name is required")
	}
	if len(b.start) == 0 || len(b.specs) == 0 {
		return nil, invalidf("saga %q has no nodes", b.name)
	}

	nodes := map[string]*Node{
		StartID: {ID: StartID},
		EndID:   {ID: EndID},
	}
	for _, s := range b.specs {
		switch {
		case s.id == "":
			return nil, invalidf("saga %q: node id is required", b.name)
		case s.id == StartID || s.id == EndID:
			return nil, invalidf("saga %q: node id %q is reserved", b.name, s.id)
		case s.adapter == "":
			return nil, invalidf("saga %q: node %q has no adapter", b.name, s.id)
		}
		if _, exists := nodes[s.id]; exists {
			return nil, invalidf("saga %q: duplicate node id %q", b.name, s.id)
		}
		nodes[s.id] = &Node{ID: s.id, AdapterName: s.adapter}
	}

	link := func(from, to string) error {
		if from == to {
			return invalidf("saga %q: self-loop on %q", b.name, from)
		}
		if to == StartID {
			return invalidf("saga %q: edge %s->S is not allowed", b.name, from)
		}
		target, ok := nodes[to]
		if !ok {
			return invalidf("saga %q: edge %s->%s references unknown node", b.name, from, to)
		}
		src := nodes[from]
		for _, existing := range src.Outgoing {
			if existing == to {
				return invalidf("saga %q: duplicate edge %s->%s", b.name, from, to)
			}
		}
		src.Outgoing = append(src.Outgoing, to)
		target.Incoming = append(target.Incoming, from)
		return nil
	}

	for _, to := range b.start {
		if err := link(StartID, to); err != nil {
			return nil, err
		}
	}
	for _, s := range b.specs {
		next := s.next
		if len(next) == 0 {
			next = []string{EndID}
		}
		for _, to := range next {
			if err := link(s.id, to); err != nil {
				return nil, err
			}
		}
	}

	def := &Definition{name: b.name, nodes: nodes}
	order, err := def.topoOrder()
	if err != nil {
		return nil, err
	}
	def.order = order

	reach := map[string]bool{StartID: true}
	for _, id := range order {
		if !reach[id] {
			return nil, invalidf("saga %q: node %q is unreachable from S", b.name, id)
		}
		for _, to := range nodes[id].Outgoing {
			reach[to] = true
		}
	}
	return def, nil
}

// topoOrder runs Kahn's algorithm with a sorted ready set so the order is
// deterministic.
func (d *Definition) topoOrder() ([]string, error) {
	indeg := make(map[string]int, len(d.nodes))
	for id, n := range d.nodes {
		indeg[id] = len(n.Incoming)
	}

	var ready []string
	for id, deg := range indeg {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	out := make([]string, 0, len(d.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, to := range d.nodes[id].Outgoing {
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}
	}
	if len(out) != len(d.nodes) {
		return nil, invalidf("saga %q contains a cycle", d.name)
	}
	if out[0] != StartID {
		// another root exists besides S; it is unreachable by construction
		return nil, invalidf("saga %q: node %q is unreachable from S", d.name, out[0])
	}
	return out, nil
}
