package repository

import (
	"context"
	"encoding/json"

	"github.com/descoped/linked-data-store-core/internal/docstore"
	"github.com/descoped/linked-data-store-core/internal/saga"
	"github.com/descoped/linked-data-store-core/internal/search"
	"github.com/descoped/linked-data-store-core/internal/txlog"
)

// Adapter names referenced by the managed resource sagas.
const (
	AdapterTxLogPut                  = "TxLog-put-entry"
	AdapterTxLogDelete               = "TxLog-delete-entry"
	AdapterPersistenceCreateOrUpdate = "Persistence-Create-or-Overwrite"
	AdapterPersistenceDelete         = "Persistence-Delete"
	AdapterIndexCreateOrUpdate       = "Persistence-Index-Create-or-Overwrite"
	AdapterIndexDelete               = "Persistence-Index-Delete"
)

type stepFunc func(ctx context.Context, in saga.Input) error

// step adapts a side effect on the decoded saga input to saga.Adapter. Steps
// produce no output.
func step(name string, fn stepFunc) saga.Adapter {
	return saga.AdapterFunc{
		AdapterName: name,
		Fn: func(ctx context.Context, _ *saga.Node, input json.RawMessage, _ map[string]json.RawMessage) (json.RawMessage, error) {
			in, err := saga.DecodeInput(input)
			if err != nil {
				return nil, saga.Abort(err)
			}
			if err := fn(ctx, in); err != nil {
				return nil, saga.Abort(err)
			}
			return nil, nil
		},
	}
}

func key(in saga.Input) docstore.Key {
	return docstore.Key{
		Namespace: in.Namespace,
		Entity:    in.Entity,
		ID:        in.ResourceID,
		Version:   in.Version,
	}
}

func txLogAppend(log txlog.Log, defaultTopic string) stepFunc {
	return func(ctx context.Context, in saga.Input) error {
		topic := in.Source
		if topic == "" {
			topic = defaultTopic
		}
		return log.Append(ctx, topic, txlog.RecordFromInput(in))
	}
}

func persistenceCreateOrOverwrite(store docstore.Store) stepFunc {
	return func(ctx context.Context, in saga.Input) error {
		return store.CreateOrOverwrite(ctx, docstore.Document{Key: key(in), Data: in.Data})
	}
}

func persistenceDelete(store docstore.Store) stepFunc {
	return func(ctx context.Context, in saga.Input) error {
		return store.Delete(ctx, key(in))
	}
}

func indexCreateOrOverwrite(index search.Index) stepFunc {
	return func(ctx context.Context, in saga.Input) error {
		return index.CreateOrOverwrite(ctx, docstore.Document{Key: key(in), Data: in.Data})
	}
}

func indexDelete(index search.Index) stepFunc {
	return func(ctx context.Context, in saga.Input) error {
		return index.Delete(ctx, key(in))
	}
}
