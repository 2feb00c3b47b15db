// Package testsuite holds the storage contract tests shared by every
// backend. A backend package wires its own setup in TestMain and calls
// RunTestAll with the connected Storage.
package testsuite

import (
	"context"
	"log"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/dsl"
)

const ModelSource = `model
  schema 1.1

type user

type group
  relations
    define member: [user]

type folder
  relations
    define owner: [user]
    define editor: [user] or owner
    define viewer: [user, group#member] or editor

type doc
  relations
    define parent: [folder]
    define owner: [user] or owner from parent
    define editor: [user] or owner or editor from parent
    define viewer: [user] or editor or viewer from parent
`

var Model = func() *rebac.AuthorizationModel {
	result := dsl.Compile(ModelSource)
	if !result.Success {
		log.Fatalf("Expected test model to compile: %v", result.Errors)
	}
	return result.Model
}()

// Load seeds the shared relationship graph the contract tests assume:
// myuser reaches doc:mydoc#viewer through group membership and the
// folder parent, myowner owns the doc directly.
func Load(ctx context.Context, storage rebac.Storage) error {
	_, err := storage.Write(ctx, []rebac.TupleKey{
		{SubjectType: "user", SubjectID: "myuser", Relation: "member", ObjectType: "group", ObjectID: "mygroup"},
		{SubjectType: "folder", SubjectID: "myfolder", Relation: "parent", ObjectType: "doc", ObjectID: "mydoc"},
		{SubjectType: "group", SubjectID: "mygroup", SubjectRelation: "member", Relation: "viewer", ObjectType: "folder", ObjectID: "myfolder"},
		{SubjectType: "user", SubjectID: "myowner", Relation: "owner", ObjectType: "doc", ObjectID: "mydoc"},
	}, nil)
	return err
}

type TestConfig struct {
	Storage rebac.Storage
}

func RunTestAll(t *testing.T, configs map[string]TestConfig) {
	for name, config := range configs {
		t.Run(name, func(t *testing.T) {
			RunTest(t, config.Storage)
		})
	}
}

func RunTest(t *testing.T, storage rebac.Storage) {
	ctx := context.Background()
	require.NoError(t, Load(ctx, storage))

	checker := rebac.NewChecker(storage)

	t.Run("checks", func(t *testing.T) {
		result, err := checker.Check(ctx, Model, rebac.CheckRequest{
			SubjectType: "user", SubjectID: "myuser",
			Relation: "viewer", ObjectType: "doc", ObjectID: "mydoc",
		})
		require.NoError(t, err)
		require.True(t, result)

		result, err = checker.Check(ctx, Model, rebac.CheckRequest{
			SubjectType: "user", SubjectID: "myuser",
			Relation: "editor", ObjectType: "doc", ObjectID: "mydoc",
		})
		require.NoError(t, err)
		require.False(t, result)

		result, err = checker.Check(ctx, Model, rebac.CheckRequest{
			SubjectType: "user", SubjectID: "myowner",
			Relation: "viewer", ObjectType: "doc", ObjectID: "mydoc",
		})
		require.NoError(t, err)
		require.True(t, result)
	})

	t.Run("idempotent_writes", func(t *testing.T) {
		key := rebac.TupleKey{SubjectType: "user", SubjectID: "myowner", Relation: "owner", ObjectType: "doc", ObjectID: "mydoc"}
		result, err := storage.Write(ctx, []rebac.TupleKey{key}, nil)
		require.NoError(t, err)
		require.Equal(t, 0, result.Written)

		tuples, err := storage.FindByObject(ctx, "doc", "mydoc", "owner", 0)
		require.NoError(t, err)
		require.Len(t, tuples, 1)
	})

	t.Run("tombstones_and_snapshots", func(t *testing.T) {
		key := rebac.TupleKey{SubjectType: "user", SubjectID: "transient", Relation: "viewer", ObjectType: "doc", ObjectID: "mydoc"}

		wrote, err := storage.Write(ctx, []rebac.TupleKey{key}, nil)
		require.NoError(t, err)
		require.Equal(t, 1, wrote.Written)

		deleted, err := storage.Write(ctx, nil, []rebac.TupleKey{key})
		require.NoError(t, err)
		require.Equal(t, 1, deleted.Deleted)

		// Latest view no longer sees the tuple.
		ok, err := storage.Exists(ctx, key, 0)
		require.NoError(t, err)
		require.False(t, ok)

		// A snapshot between write and delete still does.
		ok, err = storage.Exists(ctx, key, wrote.Txid)
		require.NoError(t, err)
		require.True(t, ok)

		// Before the write it never existed.
		ok, err = storage.Exists(ctx, key, wrote.Txid-1)
		require.NoError(t, err)
		require.False(t, ok)

		// The tombstone is visible when deleted tuples are included.
		tuples, err := storage.Find(ctx, rebac.TupleFilter{
			SubjectType: "user", SubjectID: "transient", IncludeDeleted: true,
		})
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		require.Equal(t, wrote.Txid, tuples[0].CreatedTxid)
		require.Equal(t, deleted.Txid, tuples[0].DeletedTxid)

		// Rewriting after deletion creates a fresh row.
		rewrote, err := storage.Write(ctx, []rebac.TupleKey{key}, nil)
		require.NoError(t, err)
		require.Equal(t, 1, rewrote.Written)
		_, err = storage.Write(ctx, nil, []rebac.TupleKey{key})
		require.NoError(t, err)

		entries, err := storage.Changelog(ctx, wrote.Txid, 0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(entries), 4)
		require.True(t, slices.IsSortedFunc(entries, func(a, b rebac.ChangeEntry) int {
			return int(a.ID - b.ID)
		}))
	})

	t.Run("combined_delete_and_write", func(t *testing.T) {
		key := rebac.TupleKey{SubjectType: "user", SubjectID: "churner", Relation: "viewer", ObjectType: "doc", ObjectID: "mydoc"}

		wrote, err := storage.Write(ctx, []rebac.TupleKey{key}, nil)
		require.NoError(t, err)
		require.Equal(t, 1, wrote.Written)

		// Deleting and rewriting the same key in one batch tombstones only
		// the row that was live before the batch; the key stays live.
		batch, err := storage.Write(ctx, []rebac.TupleKey{key}, []rebac.TupleKey{key})
		require.NoError(t, err)
		require.Equal(t, 1, batch.Deleted)
		require.Equal(t, 1, batch.Written)

		ok, err := storage.Exists(ctx, key, 0)
		require.NoError(t, err)
		require.True(t, ok)

		tuples, err := storage.Find(ctx, rebac.TupleFilter{
			SubjectType: "user", SubjectID: "churner", IncludeDeleted: true,
		})
		require.NoError(t, err)
		require.Len(t, tuples, 2)
		for _, tuple := range tuples {
			if tuple.CreatedTxid == wrote.Txid {
				require.Equal(t, batch.Txid, tuple.DeletedTxid)
			} else {
				require.Equal(t, batch.Txid, tuple.CreatedTxid)
				require.Equal(t, int64(0), tuple.DeletedTxid)
			}
		}
	})

	t.Run("reverse_indexes", func(t *testing.T) {
		tuples, err := storage.FindByUser(ctx, "user", "myuser", "", "", 0)
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		require.Equal(t, "group", tuples[0].ObjectType)

		tuples, err = storage.FindByUserset(ctx, "group", "mygroup", "member", 0)
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		require.Equal(t, "folder", tuples[0].ObjectType)
		require.Equal(t, "viewer", tuples[0].Relation)
	})

	t.Run("models", func(t *testing.T) {
		require.NoError(t, storage.SaveModel(ctx, Model))

		loaded, err := storage.Model(ctx, Model.ID)
		require.NoError(t, err)
		require.Equal(t, Model.ID, loaded.ID)
		require.Equal(t, Model.SchemaVersion, loaded.SchemaVersion)
		require.False(t, loaded.IsActive)

		_, err = storage.ActiveModel(ctx)
		require.ErrorIs(t, err, rebac.ErrNotFound)

		require.NoError(t, storage.ActivateModel(ctx, Model.ID))
		active, err := storage.ActiveModel(ctx)
		require.NoError(t, err)
		require.Equal(t, Model.ID, active.ID)

		second := dsl.Compile(ModelSource).Model
		require.NoError(t, storage.SaveModel(ctx, second))
		require.NoError(t, storage.ActivateModel(ctx, second.ID))

		active, err = storage.ActiveModel(ctx)
		require.NoError(t, err)
		require.Equal(t, second.ID, active.ID)

		models, err := storage.ListModels(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(models), 2)

		require.ErrorIs(t, storage.ActivateModel(ctx, uuid.Must(uuid.NewV7())), rebac.ErrNotFound)
	})
}

func RunBenchmarkAll(b *testing.B, storages map[string]rebac.Storage) {
	for name, storage := range storages {
		b.Run(name, func(b *testing.B) {
			RunBenchmark(b, storage)
		})
	}
}

func RunBenchmark(b *testing.B, storage rebac.Storage) {
	ctx := context.Background()
	require.NoError(b, Load(ctx, storage))
	checker := rebac.NewChecker(storage)

	b.Run("indirect_nested_4", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := checker.Check(ctx, Model, rebac.CheckRequest{
				SubjectType: "user", SubjectID: "myuser",
				Relation: "viewer", ObjectType: "doc", ObjectID: "mydoc",
			})
			require.NoError(b, err)
		}
	})
	b.Run("direct", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := checker.Check(ctx, Model, rebac.CheckRequest{
				SubjectType: "user", SubjectID: "myowner",
				Relation: "owner", ObjectType: "doc", ObjectID: "mydoc",
			})
			require.NoError(b, err)
		}
	})
}
