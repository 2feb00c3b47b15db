package dsl

// ModelAST is the parsed form of a DSL source before compilation.
type ModelAST struct {
	SchemaVersion string
	Types         []*TypeAST
}

type TypeAST struct {
	Name      string
	Relations []*RelationAST
	Line      int
	Column    int
}

type RelationAST struct {
	Name    string
	Rewrite RewriteAST
	Line    int
	Column  int
}

// RewriteAST mirrors the runtime rewrite union, with source locations for
// diagnostics. Sealed: exhaustive switches in the compiler rely on it.
type RewriteAST interface {
	rewriteAST()
}

type TypeRefAST struct {
	Type     string
	Relation string
	Line     int
	Column   int
}

// Ref renders the target as "type" or "type#relation".
func (r TypeRefAST) Ref() string {
	if r.Relation == "" {
		return r.Type
	}
	return r.Type + "#" + r.Relation
}

type DirectAST struct {
	Types []TypeRefAST
}

type ComputedAST struct {
	Relation string
	Line     int
	Column   int
}

type TupleToUsersetAST struct {
	Tupleset string
	Computed string
	Line     int
	Column   int
}

type UnionAST struct {
	Children []RewriteAST
}

type IntersectionAST struct {
	Children []RewriteAST
}

type ExclusionAST struct {
	Base     RewriteAST
	Subtract RewriteAST
}

func (DirectAST) rewriteAST()         {}
func (ComputedAST) rewriteAST()       {}
func (TupleToUsersetAST) rewriteAST() {}
func (UnionAST) rewriteAST()          {}
func (IntersectionAST) rewriteAST()   {}
func (ExclusionAST) rewriteAST()      {}
