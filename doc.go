// The rebac-package provides building blocks for a relationship-based
// access-control service: a DSL compiler for authorization models, a
// versioned tuple store, a recursive check engine and a tiered permission
// cache.
//
// Models are authored in an indentation-sensitive DSL and compiled:
//
//	result := dsl.Compile(`model
//	  schema 1.1
//
//	type user
//
//	type folder
//	  relations
//	    define viewer: [user]
//
//	type document
//	  relations
//	    define owner: [user]
//	    define parent: [folder]
//	    define viewer: owner or viewer from parent
//	`)
//
// With a storage-implementation available, relationship tuples are written
// in transactional batches (see [TupleKey] or the Zanzibar-style notation
// accepted by [TupleString]):
//
//	_, _ = storage.Write(ctx, []rebac.TupleKey{
//		rebac.TupleString("document:readme#owner@user:alice"),
//		rebac.TupleString("document:readme#parent@folder:root"),
//		rebac.TupleString("folder:root#viewer@team:eng#member"),
//	}, nil)
//
// Deleting passes keys in the second argument instead; tuples are
// tombstoned with the batch txid, never removed, and every mutation lands
// in an append-only changelog.
//
// A [Checker] evaluates permissions by interpreting the compiled rewrite
// rules against the stored tuples:
//
//	checker := rebac.NewChecker(storage)
//	allowed, _ := checker.Check(ctx, result.Model, rebac.CheckRequest{
//		SubjectType: "user", SubjectID: "bob",
//		Relation:   "viewer",
//		ObjectType: "document", ObjectID: "readme",
//	})
//
// [Authorizer] combines the checker with a [PermissionCache] and the model
// store into the single surface transports are expected to call.
package rebac
