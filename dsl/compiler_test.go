package dsl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authgraph/rebac"
)

func TestCompileSuccess(t *testing.T) {
	source := `model
  schema 1.1

type group
  relations
    define member: [user]

type document
  relations
    define owner: [user]
    define viewer: [user, group#member] or owner
`
	result := Compile(source)
	require.True(t, result.Success)
	require.Empty(t, result.Errors)
	require.Empty(t, result.Warnings)
	require.NotNil(t, result.Model)

	model := result.Model
	require.False(t, model.ID.IsNil())
	require.False(t, model.VersionID.IsNil())
	require.Equal(t, "1.1", model.SchemaVersion)
	require.Equal(t, source, model.DSLSource)
	require.False(t, model.IsActive)

	viewer, ok := model.Relation("document", "viewer")
	require.True(t, ok)
	union, ok := viewer.Rewrite.(rebac.Union)
	require.True(t, ok)
	require.Len(t, union.Children, 2)
	require.Equal(t, rebac.Direct{AllowedTypes: []string{"user", "group#member"}}, union.Children[0])
	require.Equal(t, rebac.Computed{Relation: "owner"}, union.Children[1])
	require.Equal(t, []string{"user", "group#member"}, viewer.DirectlyAssignableTypes)
}

func TestCompileFreshVersionIDs(t *testing.T) {
	source := "model\n  schema 1.1\n\ntype user\n"
	first := Compile(source)
	second := Compile(source)
	require.True(t, first.Success)
	require.True(t, second.Success)
	require.NotEqual(t, first.Model.ID, second.Model.ID)
	require.NotEqual(t, first.Model.VersionID, second.Model.VersionID)
}

func TestCompileTupleToUserset(t *testing.T) {
	result := Compile(`model
  schema 1.1

type folder
  relations
    define viewer: [user]

type document
  relations
    define parent: [folder]
    define viewer: viewer from parent
`)
	require.True(t, result.Success)

	viewer, ok := result.Model.Relation("document", "viewer")
	require.True(t, ok)
	require.Equal(t, rebac.TupleToUserset{
		TuplesetRelation: "parent",
		ComputedRelation: "viewer",
	}, viewer.Rewrite)
}

func TestCompileDuplicateRelation(t *testing.T) {
	result := Compile(`model
  schema 1.1

type document
  relations
    define viewer: [user]
    define viewer: [user]
`)
	require.False(t, result.Success)
	require.Nil(t, result.Model)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0].Message, "duplicate relation")
	require.Equal(t, 7, result.Errors[0].Line)
}

func TestCompileSelfReference(t *testing.T) {
	result := Compile(`model
  schema 1.1

type document
  relations
    define viewer: viewer
`)
	require.False(t, result.Success)
	require.Contains(t, result.Errors[0].Message, "references itself")
}

func TestCompileUndefinedLocalRelation(t *testing.T) {
	result := Compile(`model
  schema 1.1

type document
  relations
    define viewer: editor
`)
	require.False(t, result.Success)
	require.Contains(t, result.Errors[0].Message, `relation "editor" is not defined`)

	result = Compile(`model
  schema 1.1

type document
  relations
    define viewer: viewer from parent
`)
	require.False(t, result.Success)
	require.Contains(t, result.Errors[0].Message, `relation "parent" is not defined`)
}

func TestCompileUndefinedTypeWarns(t *testing.T) {
	result := Compile(`model
  schema 1.1

type document
  relations
    define viewer: [user, widget]
`)
	// Builtins pass silently, unknown types warn but compile.
	require.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	require.Contains(t, result.Warnings[0].Message, `type "widget" is not defined`)
}

func TestCompileCrossTypeRelationWarns(t *testing.T) {
	result := Compile(`model
  schema 1.1

type group

type document
  relations
    define viewer: [group#member]
`)
	require.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	require.Contains(t, result.Warnings[0].Message, `relation "member" is not defined on type "group"`)
}

func TestCompileTupleToUsersetTargetWarns(t *testing.T) {
	result := Compile(`model
  schema 1.1

type folder
  relations
    define owner: [user]

type document
  relations
    define parent: [folder]
    define viewer: viewer from parent
`)
	require.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	require.Contains(t, result.Warnings[0].Message, `relation "viewer" is not defined on type "folder"`)
}

func TestValidateReturnsNoModel(t *testing.T) {
	result := Validate("model\n  schema 1.1\n\ntype user\n")
	require.True(t, result.Success)
	require.Nil(t, result.Model)

	result = Validate("not a model")
	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
}
