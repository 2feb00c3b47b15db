package rebac_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/cache"
	"github.com/authgraph/rebac/storage/memory"
)

func newAuthorizer(t *testing.T) (*rebac.Authorizer, *memory.MemoryStorage, *cache.PermissionCache, *rebac.AuthorizationModel) {
	t.Helper()
	storage := memory.NewMemoryStorage()
	permCache := cache.New(cache.Config{}, nil, nil)
	authorizer := rebac.NewAuthorizer(storage, rebac.NewChecker(storage), permCache, nil)

	model := compileModel(t, `model
  schema 1.1

type document
  relations
    define owner: [user]
    define viewer: owner
`)
	ctx := context.Background()
	require.NoError(t, authorizer.Publish(ctx, model))
	require.NoError(t, authorizer.Activate(ctx, model.ID))
	return authorizer, storage, permCache, model
}

func TestAuthorizerCheckAndWrite(t *testing.T) {
	authorizer, _, _, _ := newAuthorizer(t)
	ctx := context.Background()

	req := rebac.CheckRequest{
		SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", ObjectType: "document", ObjectID: "readme",
	}

	allowed, err := authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, allowed)

	// Writing through the authorizer invalidates the cached denial.
	_, err = authorizer.Write(ctx, []rebac.TupleKey{
		rebac.TupleString("document:readme#owner@user:alice"),
	}, nil)
	require.NoError(t, err)

	allowed, err = authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAuthorizerRejectsKeysOutsideModel(t *testing.T) {
	authorizer, _, _, _ := newAuthorizer(t)
	ctx := context.Background()

	_, err := authorizer.Write(ctx, []rebac.TupleKey{
		rebac.TupleString("widget:w1#viewer@user:alice"),
	}, nil)
	require.ErrorIs(t, err, rebac.ErrInvalidKey)

	_, err = authorizer.Write(ctx, []rebac.TupleKey{
		rebac.TupleString("document:readme#nope@user:alice"),
	}, nil)
	require.ErrorIs(t, err, rebac.ErrInvalidKey)
}

func TestAuthorizerInvalidateUserBypassesStaleResult(t *testing.T) {
	authorizer, storage, permCache, _ := newAuthorizer(t)
	ctx := context.Background()

	key := rebac.TupleString("document:readme#owner@user:alice")
	_, err := authorizer.Write(ctx, []rebac.TupleKey{key}, nil)
	require.NoError(t, err)

	req := rebac.CheckRequest{
		SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", ObjectType: "document", ObjectID: "readme",
	}
	allowed, err := authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, allowed)

	// Deleting behind the authorizer's back leaves a stale cached "true".
	_, err = storage.Write(ctx, nil, []rebac.TupleKey{key})
	require.NoError(t, err)
	allowed, err = authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, allowed)

	// Invalidation forces the next check back to the tuple store.
	permCache.InvalidateUser(ctx, "user:alice")
	allowed, err = authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAuthorizerSnapshotChecksBypassCache(t *testing.T) {
	authorizer, storage, _, _ := newAuthorizer(t)
	ctx := context.Background()

	key := rebac.TupleString("document:readme#owner@user:alice")
	result, err := authorizer.Write(ctx, []rebac.TupleKey{key}, nil)
	require.NoError(t, err)

	req := rebac.CheckRequest{
		SubjectType: "user", SubjectID: "alice",
		Relation: "owner", ObjectType: "document", ObjectID: "readme",
	}
	allowed, err := authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, allowed)

	// Snapshot reads never consult or populate the cache.
	_, err = storage.Write(ctx, nil, []rebac.TupleKey{key})
	require.NoError(t, err)
	before := req
	before.Txid = result.Txid
	allowed, err = authorizer.Check(ctx, before)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAuthorizerActivationClearsCache(t *testing.T) {
	authorizer, _, _, _ := newAuthorizer(t)
	ctx := context.Background()

	_, err := authorizer.Write(ctx, []rebac.TupleKey{
		rebac.TupleString("document:readme#owner@user:alice"),
	}, nil)
	require.NoError(t, err)

	req := rebac.CheckRequest{
		SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", ObjectType: "document", ObjectID: "readme",
	}
	allowed, err := authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, allowed)

	// The new model drops the owner-implies-viewer rule.
	restricted := compileModel(t, `model
  schema 1.1

type document
  relations
    define owner: [user]
    define viewer: [user]
`)
	require.NoError(t, authorizer.Publish(ctx, restricted))
	require.NoError(t, authorizer.Activate(ctx, restricted.ID))

	allowed, err = authorizer.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAuthorizerNoActiveModel(t *testing.T) {
	storage := memory.NewMemoryStorage()
	authorizer := rebac.NewAuthorizer(storage, rebac.NewChecker(storage), nil, nil)

	_, err := authorizer.Check(context.Background(), rebac.CheckRequest{
		SubjectType: "user", SubjectID: "alice",
		Relation: "viewer", ObjectType: "document", ObjectID: "readme",
	})
	require.ErrorIs(t, err, rebac.ErrNotFound)
}
