// Package dsl implements the authorization-model language: an
// indentation-sensitive lexer, a recursive-descent parser and a compiler
// producing immutable [rebac.AuthorizationModel] values.
package dsl

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"

	"github.com/authgraph/rebac"
)

// Result is the outcome of compiling or validating a source. Success is
// true iff Errors is empty; Warnings never block compilation.
type Result struct {
	Success  bool                      `json:"success"`
	Model    *rebac.AuthorizationModel `json:"model,omitempty"`
	Errors   []Issue                   `json:"errors"`
	Warnings []Issue                   `json:"warnings"`
}

// Compile parses, validates and compiles a DSL source into a runtime model.
// The model receives fresh ID and VersionID values and is inactive until
// administratively activated.
func Compile(source string) Result {
	ast, issues := Parse(source)
	if ast == nil {
		return Result{Errors: issues}
	}

	errors, warnings := validate(ast)
	if len(errors) > 0 {
		return Result{Errors: errors, Warnings: warnings}
	}

	model := &rebac.AuthorizationModel{
		ID:            uuid.Must(uuid.NewV7()),
		VersionID:     uuid.Must(uuid.NewV7()),
		SchemaVersion: ast.SchemaVersion,
		DSLSource:     source,
		Types:         map[string]rebac.TypeDefinition{},
		CreatedAt:     time.Now().UTC(),
	}
	for _, td := range ast.Types {
		relations := map[string]rebac.RelationDefinition{}
		for _, rel := range td.Relations {
			rewrite := compileRewrite(rel.Rewrite)
			relations[rel.Name] = rebac.RelationDefinition{
				Name:                    rel.Name,
				Rewrite:                 rewrite,
				DirectlyAssignableTypes: lo.Uniq(rebac.DirectTargets(rewrite)),
			}
		}
		model.Types[td.Name] = rebac.TypeDefinition{Name: td.Name, Relations: relations}
	}

	return Result{Success: true, Model: model, Errors: []Issue{}, Warnings: warnings}
}

// Validate runs the same pipeline as Compile without materializing a model.
func Validate(source string) Result {
	result := Compile(source)
	result.Model = nil
	return result
}

func compileRewrite(node RewriteAST) rebac.Rewrite {
	switch n := node.(type) {
	case DirectAST:
		return rebac.Direct{
			AllowedTypes: lo.Map(n.Types, func(r TypeRefAST, _ int) string { return r.Ref() }),
		}
	case ComputedAST:
		return rebac.Computed{Relation: n.Relation}
	case TupleToUsersetAST:
		return rebac.TupleToUserset{TuplesetRelation: n.Tupleset, ComputedRelation: n.Computed}
	case UnionAST:
		return rebac.Union{Children: lo.Map(n.Children, func(c RewriteAST, _ int) rebac.Rewrite { return compileRewrite(c) })}
	case IntersectionAST:
		return rebac.Intersection{Children: lo.Map(n.Children, func(c RewriteAST, _ int) rebac.Rewrite { return compileRewrite(c) })}
	case ExclusionAST:
		return rebac.Exclusion{Base: compileRewrite(n.Base), Subtract: compileRewrite(n.Subtract)}
	default:
		panic("unreachable")
	}
}

// validate walks the AST. Errors: duplicate relation names, references to
// relations undefined within the current type, and a relation whose computed
// rewrite names itself (deeper cycles are the checker's concern). Warnings:
// references to undefined types or to relations undefined on a referenced
// type, which may resolve against a later model version.
func validate(ast *ModelAST) (errors, warnings []Issue) {
	types := map[string]*TypeAST{}
	for _, td := range ast.Types {
		types[td.Name] = td
	}

	for _, td := range ast.Types {
		local := map[string]bool{}
		for _, rel := range td.Relations {
			if local[rel.Name] {
				errors = append(errors, issuef(rel.Line, rel.Column, "duplicate relation %q in type %q", rel.Name, td.Name))
				continue
			}
			local[rel.Name] = true
		}
		for _, rel := range td.Relations {
			e, w := validateRewrite(rel.Rewrite, td, rel, types)
			errors = append(errors, e...)
			warnings = append(warnings, w...)
		}
	}
	return errors, warnings
}

func validateRewrite(node RewriteAST, td *TypeAST, rel *RelationAST, types map[string]*TypeAST) (errors, warnings []Issue) {
	definedOn := func(t *TypeAST, name string) bool {
		for _, r := range t.Relations {
			if r.Name == name {
				return true
			}
		}
		return false
	}

	switch n := node.(type) {
	case DirectAST:
		for _, ref := range n.Types {
			target, ok := types[ref.Type]
			if !ok {
				if !lo.Contains(rebac.BuiltinTypes, ref.Type) {
					warnings = append(warnings, issuef(ref.Line, ref.Column, "type %q is not defined", ref.Type))
				}
				continue
			}
			if ref.Relation != "" && !definedOn(target, ref.Relation) {
				warnings = append(warnings, issuef(ref.Line, ref.Column, "relation %q is not defined on type %q", ref.Relation, ref.Type))
			}
		}

	case ComputedAST:
		if n.Relation == rel.Name {
			errors = append(errors, issuef(n.Line, n.Column, "relation %q references itself", rel.Name))
		} else if !definedOn(td, n.Relation) {
			errors = append(errors, issuef(n.Line, n.Column, "relation %q is not defined in type %q", n.Relation, td.Name))
		}

	case TupleToUsersetAST:
		if !definedOn(td, n.Tupleset) {
			errors = append(errors, issuef(n.Line, n.Column, "relation %q is not defined in type %q", n.Tupleset, td.Name))
			return errors, warnings
		}
		// The computed relation lives on the types the tupleset relation
		// can point at; an absent definition there is only a warning.
		for _, tsRel := range td.Relations {
			if tsRel.Name != n.Tupleset {
				continue
			}
			for _, target := range directTargetTypes(tsRel.Rewrite) {
				tt, ok := types[target]
				if !ok {
					continue
				}
				if !definedOn(tt, n.Computed) {
					warnings = append(warnings, issuef(n.Line, n.Column, "relation %q is not defined on type %q", n.Computed, target))
				}
			}
		}

	case UnionAST:
		for _, child := range n.Children {
			e, w := validateRewrite(child, td, rel, types)
			errors = append(errors, e...)
			warnings = append(warnings, w...)
		}
	case IntersectionAST:
		for _, child := range n.Children {
			e, w := validateRewrite(child, td, rel, types)
			errors = append(errors, e...)
			warnings = append(warnings, w...)
		}
	case ExclusionAST:
		e, w := validateRewrite(n.Base, td, rel, types)
		errors = append(errors, e...)
		warnings = append(warnings, w...)
		e, w = validateRewrite(n.Subtract, td, rel, types)
		errors = append(errors, e...)
		warnings = append(warnings, w...)

	default:
		panic("unreachable")
	}
	return errors, warnings
}

// directTargetTypes collects the bare type names a rewrite can directly
// assign, ignoring userset-qualified targets.
func directTargetTypes(node RewriteAST) []string {
	switch n := node.(type) {
	case DirectAST:
		return lo.FilterMap(n.Types, func(r TypeRefAST, _ int) (string, bool) {
			return r.Type, r.Relation == ""
		})
	case UnionAST:
		return lo.Flatten(lo.Map(n.Children, func(c RewriteAST, _ int) []string { return directTargetTypes(c) }))
	case IntersectionAST:
		return lo.Flatten(lo.Map(n.Children, func(c RewriteAST, _ int) []string { return directTargetTypes(c) }))
	case ExclusionAST:
		return append(directTargetTypes(n.Base), directTargetTypes(n.Subtract)...)
	default:
		return nil
	}
}
