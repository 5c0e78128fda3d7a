package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAborted marks an execution that stopped because an adapter failed.
	ErrAborted = errors.New("saga: aborted")
	// ErrUnknownAdapter is returned when a node names an adapter that was never
	// registered.
	ErrUnknownAdapter = errors.New("saga: unknown adapter")
	// ErrNotStarted marks an execution the executor refused to run. Nothing
	// was written or executed for it.
	ErrNotStarted = errors.New("saga: execution not started")
)

// Abort wraps err so that errors.Is(err, ErrAborted) holds.
func Abort(err error) error {
	if err == nil || errors.Is(err, ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// Adapter performs the side effect of one saga node.
//
// Adapters must be idempotent: after a crash the whole saga is replayed from
// the start node with the same input, so a step may run more than once.
type Adapter interface {
	// Name is the registry key referenced by Node.AdapterName.
	Name() string
	// Execute runs the step. input is the saga input recorded in the start
	// entry; deps holds the outputs of the node's direct dependencies keyed by
	// node id. Any returned error aborts the execution.
	Execute(ctx context.Context, node *Node, input json.RawMessage, deps map[string]json.RawMessage) (json.RawMessage, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc struct {
	AdapterName string
	Fn          func(ctx context.Context, node *Node, input json.RawMessage, deps map[string]json.RawMessage) (json.RawMessage, error)
}

// Name implements Adapter.
func (a AdapterFunc) Name() string { return a.AdapterName }

// Execute implements Adapter.
func (a AdapterFunc) Execute(ctx context.Context, node *Node, input json.RawMessage, deps map[string]json.RawMessage) (json.RawMessage, error) {
	return a.Fn(ctx, node, input, deps)
}

// Registry maps adapter names to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any adapter registered under the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Names returns the sorted names of all registered adapters.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Verify checks that every adapter referenced by def is registered.
func (r *Registry) Verify(def *Definition) error {
	for _, name := range def.AdapterNames() {
		if _, err := r.Get(name); err != nil {
			return fmt.Errorf("saga %q: %w", def.Name(), err)
		}
	}
	return nil
}
