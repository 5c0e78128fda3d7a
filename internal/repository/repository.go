// Package repository defines the managed resource sagas and the adapters
// their steps run.
package repository

import (
	"errors"
	"fmt"
	"sync"

	"github.com/descoped/linked-data-store-core/internal/docstore"
	"github.com/descoped/linked-data-store-core/internal/saga"
	"github.com/descoped/linked-data-store-core/internal/search"
	"github.com/descoped/linked-data-store-core/internal/txlog"
)

// Saga names. They are persisted in every start entry, so renaming one
// orphans the executions recorded under the old name.
const (
	SagaCreateOrUpdateManagedResource = "Create or update managed resource"
	SagaDeleteManagedResource         = "Delete managed resource"
)

// DefaultTopic receives the transaction log records of writes without a
// source.
const DefaultTopic = "default"

// ErrUnknownSaga is returned by Get for an unregistered saga name.
var ErrUnknownSaga = errors.New("repository: unknown saga")

// Option configures a Repository.
type Option func(*options)

type options struct {
	index        search.Index
	defaultTopic string
}

// WithIndex adds the search index steps to both sagas.
func WithIndex(index search.Index) Option {
	return func(o *options) { o.index = index }
}

// WithDefaultTopic sets the topic used for writes without a source.
func WithDefaultTopic(topic string) Option {
	return func(o *options) { o.defaultTopic = topic }
}

// Repository holds the saga definitions by name and the adapters they use.
type Repository struct {
	registry *saga.Registry

	mu     sync.RWMutex
	byName map[string]*saga.Definition
}

// New registers the persistence and transaction log adapters, plus the index
// adapters when an index is configured, and builds both managed resource
// sagas.
func New(store docstore.Store, log txlog.Log, opts ...Option) (*Repository, error) {
	o := options{defaultTopic: DefaultTopic}
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil || log == nil {
		return nil, errors.New("repository: document store and transaction log are required")
	}

	r := &Repository{
		registry: saga.NewRegistry(
			step(AdapterPersistenceCreateOrUpdate, persistenceCreateOrOverwrite(store)),
			step(AdapterPersistenceDelete, persistenceDelete(store)),
			step(AdapterTxLogPut, txLogAppend(log, o.defaultTopic)),
			step(AdapterTxLogDelete, txLogAppend(log, o.defaultTopic)),
		),
		byName: map[string]*saga.Definition{},
	}
	if o.index != nil {
		r.registry.Register(step(AdapterIndexCreateOrUpdate, indexCreateOrOverwrite(o.index)))
		r.registry.Register(step(AdapterIndexDelete, indexDelete(o.index)))
	}

	create, err := buildSaga(SagaCreateOrUpdateManagedResource, AdapterTxLogPut, AdapterPersistenceCreateOrUpdate,
		"search-index-update", AdapterIndexCreateOrUpdate, o.index != nil)
	if err != nil {
		return nil, err
	}
	del, err := buildSaga(SagaDeleteManagedResource, AdapterTxLogDelete, AdapterPersistenceDelete,
		"search-index-delete", AdapterIndexDelete, o.index != nil)
	if err != nil {
		return nil, err
	}
	if err := r.Register(create); err != nil {
		return nil, err
	}
	if err := r.Register(del); err != nil {
		return nil, err
	}
	return r, nil
}

// buildSaga returns S -> txlog -> persistence [, indexNode] -> E.
func buildSaga(name, txlogAdapter, persistenceAdapter, indexNode, indexAdapter string, indexed bool) (*saga.Definition, error) {
	b := saga.New(name).Start("txlog")
	if indexed {
		b.Node("txlog", txlogAdapter, "persistence", indexNode).
			Node(indexNode, indexAdapter)
	} else {
		b.Node("txlog", txlogAdapter, "persistence")
	}
	return b.Node("persistence", persistenceAdapter).Build()
}

// Register adds def, replacing a saga of the same name. Every adapter def
// references must be registered.
func (r *Repository) Register(def *saga.Definition) error {
	if err := r.registry.Verify(def); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[def.Name()] = def
	return nil
}

// Get returns the saga registered under name.
func (r *Repository) Get(name string) (*saga.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSaga, name)
	}
	return def, nil
}

// Registry returns the adapters the sagas run.
func (r *Repository) Registry() *saga.Registry { return r.registry }
