package rebac_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/dsl"
)

const modelSource = `model
  schema 1.1

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

func compileModel(t *testing.T, source string) *rebac.AuthorizationModel {
	t.Helper()
	result := dsl.Compile(source)
	require.True(t, result.Success, "compile errors: %v", result.Errors)
	return result.Model
}

func TestModelIsValid(t *testing.T) {
	model := compileModel(t, modelSource)

	require.True(t, model.IsValid(rebac.TupleString("doc:mydoc#viewer@user:myuser")))
	require.True(t, model.IsValid(rebac.TupleString("folder:myfolder#viewer@group:mygroup#member")))
	require.False(t, model.IsValid(rebac.TupleString("wrong:mydoc#viewer@group:mygroup#member")))
	require.False(t, model.IsValid(rebac.TupleString("doc:mydoc#wrong@group:mygroup#member")))
	require.False(t, model.IsValid(rebac.TupleString("doc:mydoc#viewer@wrong:mygroup#member")))
	require.False(t, model.IsValid(rebac.TupleString("doc:mydoc#viewer@group:mygroup#wrong")))

	// Builtins are accepted as plain subjects even when undeclared.
	require.True(t, model.IsValid(rebac.TupleString("doc:mydoc#viewer@admin:root")))
	require.False(t, model.IsValid(rebac.TupleString("doc:mydoc#viewer@admin:root#member")))
}

func TestModelRelationLookup(t *testing.T) {
	model := compileModel(t, modelSource)

	rd, ok := model.Relation("doc", "viewer")
	require.True(t, ok)
	require.Equal(t, "viewer", rd.Name)
	require.Equal(t, []string{"user"}, rd.DirectlyAssignableTypes)

	rd, ok = model.Relation("folder", "viewer")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"user", "group#member"}, rd.DirectlyAssignableTypes)

	_, ok = model.Relation("doc", "nope")
	require.False(t, ok)
	_, ok = model.Relation("nope", "viewer")
	require.False(t, ok)
}

func TestDirectTargets(t *testing.T) {
	rewrite := rebac.Union{Children: []rebac.Rewrite{
		rebac.Direct{AllowedTypes: []string{"user"}},
		rebac.Exclusion{
			Base:     rebac.Direct{AllowedTypes: []string{"group#member"}},
			Subtract: rebac.Computed{Relation: "banned"},
		},
		rebac.TupleToUserset{TuplesetRelation: "parent", ComputedRelation: "viewer"},
	}}
	require.Equal(t, []string{"user", "group#member"}, rebac.DirectTargets(rewrite))
}

func TestParseRef(t *testing.T) {
	objectType, relation := rebac.ParseRef("group#member")
	require.Equal(t, "group", objectType)
	require.Equal(t, "member", relation)

	objectType, relation = rebac.ParseRef("user")
	require.Equal(t, "user", objectType)
	require.Equal(t, "", relation)
}
