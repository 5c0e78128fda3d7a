package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descoped/linked-data-store-core/internal/docstore"
)

func doc(entity, id, data string) docstore.Document {
	return docstore.Document{
		Key:  docstore.Key{Namespace: "ns", Entity: entity, ID: id, Version: time.UnixMilli(1000)},
		Data: json.RawMessage(data),
	}
}

func TestSearchMatchesNestedStrings(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex()

	require.NoError(t, x.CreateOrOverwrite(ctx, doc("Person", "2", `{"name":"Kari Nordmann","tags":["admin"]}`)))
	require.NoError(t, x.CreateOrOverwrite(ctx, doc("Person", "1", `{"name":"Ola Nordmann","address":{"city":"Oslo"}}`)))
	require.NoError(t, x.CreateOrOverwrite(ctx, doc("Address", "1", `{"city":"Bergen","zip":5003}`)))

	keys, err := x.Search(ctx, "nordmann")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "1", keys[0].ID)
	assert.Equal(t, "2", keys[1].ID)

	keys, err = x.Search(ctx, "OSLO")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "Person", keys[0].Entity)

	keys, err = x.Search(ctx, "ADMIN")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// Numbers are not indexed.
	keys, err = x.Search(ctx, "5003")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex()

	require.NoError(t, x.CreateOrOverwrite(ctx, doc("Person", "1", `{"name":"old"}`)))
	require.NoError(t, x.CreateOrOverwrite(ctx, doc("Person", "1", `{"name":"new"}`)))

	keys, err := x.Search(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = x.Search(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// The same id under another entity is a separate document.
	require.NoError(t, x.CreateOrOverwrite(ctx, doc("Address", "1", `{"street":"new road"}`)))
	require.NoError(t, x.Delete(ctx, docstore.Key{Namespace: "ns", Entity: "Person", ID: "1", Version: time.UnixMilli(2000)}))

	keys, err = x.Search(ctx, "new")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "Address", keys[0].Entity)
}

func TestOlderVersionsAreIgnored(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex()
	at := func(ms int64) docstore.Key {
		return docstore.Key{Namespace: "ns", Entity: "Person", ID: "1", Version: time.UnixMilli(ms)}
	}

	require.NoError(t, x.CreateOrOverwrite(ctx, docstore.Document{Key: at(2000), Data: json.RawMessage(`{"name":"new"}`)}))
	require.NoError(t, x.CreateOrOverwrite(ctx, docstore.Document{Key: at(1000), Data: json.RawMessage(`{"name":"old"}`)}))
	keys, err := x.Search(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// A delete at the newer version leaves a tombstone.
	require.NoError(t, x.Delete(ctx, at(3000)))
	require.NoError(t, x.CreateOrOverwrite(ctx, docstore.Document{Key: at(2500), Data: json.RawMessage(`{"name":"replayed"}`)}))
	keys, err = x.Search(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// An older delete does not remove a newer document.
	require.NoError(t, x.CreateOrOverwrite(ctx, docstore.Document{Key: at(4000), Data: json.RawMessage(`{"name":"back"}`)}))
	require.NoError(t, x.Delete(ctx, at(3500)))
	keys, err = x.Search(ctx, "back")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, time.UnixMilli(4000).Equal(keys[0].Version))
}

func TestCreateOrOverwriteRejectsInvalidJSON(t *testing.T) {
	x := NewMemoryIndex()
	assert.Error(t, x.CreateOrOverwrite(context.Background(), doc("Person", "1", `{"name":`)))
	require.NoError(t, x.CreateOrOverwrite(context.Background(), docstore.Document{Key: docstore.Key{ID: "empty"}}))
}
