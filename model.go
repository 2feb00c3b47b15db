package rebac

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
)

// Builtin subject types that may be referenced without being declared
// in the model. The wildcard "*" stands for public access.
var BuiltinTypes = []string{"user", "admin", "operator", "*"}

// AuthorizationModel is the compiled, immutable form of a DSL source.
// Editing a model produces a new version; at most one version is
// administratively active at a time.
type AuthorizationModel struct {
	ID            uuid.UUID                 `json:"id"`
	VersionID     uuid.UUID                 `json:"version_id"`
	SchemaVersion string                    `json:"schema_version"`
	DSLSource     string                    `json:"dsl_source"`
	Types         map[string]TypeDefinition `json:"types"`
	IsActive      bool                      `json:"is_active"`
	CreatedAt     time.Time                 `json:"created_at"`
}

type TypeDefinition struct {
	Name      string                        `json:"name"`
	Relations map[string]RelationDefinition `json:"relations"`
}

type RelationDefinition struct {
	Name    string  `json:"name"`
	Rewrite Rewrite `json:"rewrite"`
	// DirectlyAssignableTypes is a projection of the rewrite's direct
	// assignment targets, "type" or "type#relation".
	DirectlyAssignableTypes []string `json:"directly_assignable_types,omitempty"`
}

// Rewrite defines how membership of a relation is computed. It is a sealed
// union of six variants; the compiler and the checker switch over it
// exhaustively.
type Rewrite interface {
	rewrite()
}

// Direct grants the relation to subjects assigned by a stored tuple.
// AllowedTypes lists "type" or "type#relation" userset targets.
type Direct struct {
	AllowedTypes []string
}

// Computed delegates to another relation on the same object.
type Computed struct {
	Relation string
}

// TupleToUserset follows TuplesetRelation tuples to related objects and
// checks ComputedRelation on each ("viewer of the parent folder").
type TupleToUserset struct {
	TuplesetRelation string
	ComputedRelation string
}

type Union struct {
	Children []Rewrite
}

type Intersection struct {
	Children []Rewrite
}

type Exclusion struct {
	Base     Rewrite
	Subtract Rewrite
}

func (Direct) rewrite()         {}
func (Computed) rewrite()       {}
func (TupleToUserset) rewrite() {}
func (Union) rewrite()          {}
func (Intersection) rewrite()   {}
func (Exclusion) rewrite()      {}

// DirectTargets walks a rewrite and collects every direct-assignment target.
func DirectTargets(r Rewrite) []string {
	switch n := r.(type) {
	case Direct:
		return n.AllowedTypes
	case Union:
		return lo.Flatten(lo.Map(n.Children, func(c Rewrite, _ int) []string { return DirectTargets(c) }))
	case Intersection:
		return lo.Flatten(lo.Map(n.Children, func(c Rewrite, _ int) []string { return DirectTargets(c) }))
	case Exclusion:
		return append(DirectTargets(n.Base), DirectTargets(n.Subtract)...)
	case Computed, TupleToUserset:
		return nil
	default:
		panic("unreachable")
	}
}

// Relation looks up a relation definition, reporting whether it exists.
func (m *AuthorizationModel) Relation(objectType, relation string) (RelationDefinition, bool) {
	td, ok := m.Types[objectType]
	if !ok {
		return RelationDefinition{}, false
	}
	rd, ok := td.Relations[relation]
	return rd, ok
}

// IsValid reports whether a tuple key is structurally consistent with the
// model: the object type and relation exist, and a userset subject references
// an existing relation. Builtin subject types are always accepted.
func (m *AuthorizationModel) IsValid(k TupleKey) bool {
	td, ok := m.Types[k.ObjectType]
	if !ok {
		return false
	}
	if _, ok := td.Relations[k.Relation]; !ok {
		return false
	}
	std, ok := m.Types[k.SubjectType]
	if !ok {
		return lo.Contains(BuiltinTypes, k.SubjectType) && k.SubjectRelation == ""
	}
	if k.SubjectRelation != "" {
		if _, ok := std.Relations[k.SubjectRelation]; !ok {
			return false
		}
	}
	return true
}

// ParseRef splits a "type" or "type#relation" direct-assignment target.
func ParseRef(ref string) (objectType, relation string) {
	objectType, relation, _ = strings.Cut(ref, "#")
	return objectType, relation
}
