package rebac

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAborted marks a check that could not be resolved within its
	// budgets. It is distinct from a denied result: callers must not
	// treat an aborted check as "not allowed".
	ErrAborted = errors.New("check aborted")

	ErrDepthExceeded    = fmt.Errorf("%w: max depth exceeded", ErrAborted)
	ErrExpansionBudget  = fmt.Errorf("%w: tuple expansion budget exceeded", ErrAborted)
	ErrDeadlineExceeded = fmt.Errorf("%w: deadline exceeded", ErrAborted)
)

const (
	DefaultMaxDepth     = 32
	DefaultMaxExpansion = 10000
)

// CheckRequest asks whether subject holds Relation on object. Txid pins all
// tuple reads to a snapshot; zero reads latest.
type CheckRequest struct {
	SubjectType     string
	SubjectID       string
	SubjectRelation string
	Relation        string
	ObjectType      string
	ObjectID        string
	Txid            int64
}

// Key renders the request's tuple key.
func (r CheckRequest) Key() TupleKey {
	return TupleKey{
		SubjectType:     r.SubjectType,
		SubjectID:       r.SubjectID,
		SubjectRelation: r.SubjectRelation,
		Relation:        r.Relation,
		ObjectType:      r.ObjectType,
		ObjectID:        r.ObjectID,
	}
}

type CheckerOption interface {
	do(*Checker)
}

type checkerOptionFunc func(*Checker)

func (fn checkerOptionFunc) do(c *Checker) { fn(c) }

// WithMaxDepth bounds recursion through usersets and rewrites.
func WithMaxDepth(depth int) CheckerOption {
	return checkerOptionFunc(func(c *Checker) { c.maxDepth = depth })
}

// WithMaxExpansion bounds the total number of tuples a single check may
// expand, capping worst-case latency for adversarial models.
func WithMaxExpansion(n int) CheckerOption {
	return checkerOptionFunc(func(c *Checker) { c.maxExpansion = n })
}

// A Checker evaluates permission checks by recursively interpreting the
// compiled rewrite of a relation against a TupleStore. It is read-only and
// safe for concurrent use.
type Checker struct {
	store        TupleStore
	maxDepth     int
	maxExpansion int
}

func NewChecker(store TupleStore, options ...CheckerOption) *Checker {
	c := &Checker{
		store:        store,
		maxDepth:     DefaultMaxDepth,
		maxExpansion: DefaultMaxExpansion,
	}
	for _, o := range options {
		o.do(c)
	}
	return c
}

// checkState is per-request: the visited set tracks the current recursion
// path to break relation cycles the compiler does not reject, the expansion
// counter is a global budget.
type checkState struct {
	model     *AuthorizationModel
	subject   CheckRequest
	visited   map[string]struct{}
	expansion int
}

// Check resolves whether the requested relation holds. The boolean is only
// meaningful when err is nil; budget and deadline overruns return an error
// wrapping ErrAborted so callers can distinguish "denied" from
// "could not determine".
func (c *Checker) Check(ctx context.Context, model *AuthorizationModel, req CheckRequest) (bool, error) {
	if _, ok := model.Relation(req.ObjectType, req.Relation); !ok {
		return false, fmt.Errorf("unknown relation %s on type %s", req.Relation, req.ObjectType)
	}
	st := &checkState{
		model:   model,
		subject: req,
		visited: map[string]struct{}{},
	}
	return c.checkRelation(ctx, st, req.ObjectType, req.ObjectID, req.Relation, 0)
}

func (c *Checker) checkRelation(ctx context.Context, st *checkState, objectType, objectID, relation string, depth int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	if depth > c.maxDepth {
		return false, ErrDepthExceeded
	}

	// Re-entering a (relation, object) pair already on the current recursion
	// path means the rewrite graph cycled; a cycle cannot contribute new
	// members, so it evaluates to false. The entry is removed on return so
	// that sibling branches (intersection or exclusion children sharing a
	// relation) are not pruned as if they were cycles.
	key := objectType + ":" + objectID + "#" + relation
	if _, seen := st.visited[key]; seen {
		return false, nil
	}
	st.visited[key] = struct{}{}
	defer delete(st.visited, key)

	rd, ok := st.model.Relation(objectType, relation)
	if !ok {
		// Unresolved cross-type reference, compiled with a warning.
		return false, nil
	}
	return c.evalRewrite(ctx, st, rd.Rewrite, objectType, objectID, relation, depth)
}

func (c *Checker) evalRewrite(ctx context.Context, st *checkState, rewrite Rewrite, objectType, objectID, relation string, depth int) (bool, error) {
	switch n := rewrite.(type) {
	case Direct:
		return c.evalDirect(ctx, st, objectType, objectID, relation, depth)

	case Computed:
		return c.checkRelation(ctx, st, objectType, objectID, n.Relation, depth+1)

	case TupleToUserset:
		tuples, err := c.expand(ctx, st, objectType, objectID, n.TuplesetRelation)
		if err != nil {
			return false, err
		}
		for _, t := range tuples {
			ok, err := c.checkRelation(ctx, st, t.SubjectType, t.SubjectID, n.ComputedRelation, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case Union:
		for _, child := range n.Children {
			ok, err := c.evalRewrite(ctx, st, child, objectType, objectID, relation, depth)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case Intersection:
		for _, child := range n.Children {
			ok, err := c.evalRewrite(ctx, st, child, objectType, objectID, relation, depth)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return len(n.Children) > 0, nil

	case Exclusion:
		base, err := c.evalRewrite(ctx, st, n.Base, objectType, objectID, relation, depth)
		if err != nil {
			return false, err
		}
		if !base {
			return false, nil
		}
		subtract, err := c.evalRewrite(ctx, st, n.Subtract, objectType, objectID, relation, depth)
		if err != nil {
			return false, err
		}
		return !subtract, nil

	default:
		panic("unreachable")
	}
}

func (c *Checker) evalDirect(ctx context.Context, st *checkState, objectType, objectID, relation string, depth int) (bool, error) {
	tuples, err := c.expand(ctx, st, objectType, objectID, relation)
	if err != nil {
		return false, err
	}
	usersets := make([]Tuple, 0, len(tuples))
	for _, t := range tuples {
		if t.SubjectRelation == "" {
			if t.SubjectType == st.subject.SubjectType && t.SubjectID == st.subject.SubjectID {
				return true, nil
			}
			if t.SubjectType == "*" {
				return true, nil
			}
			continue
		}
		usersets = append(usersets, t)
	}
	// Userset references expand into sub-checks of the referenced relation.
	for _, t := range usersets {
		ok, err := c.checkRelation(ctx, st, t.SubjectType, t.SubjectID, t.SubjectRelation, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) expand(ctx context.Context, st *checkState, objectType, objectID, relation string) ([]Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	tuples, err := c.store.FindByObject(ctx, objectType, objectID, relation, st.subject.Txid)
	if err != nil {
		return nil, err
	}
	st.expansion += len(tuples)
	if st.expansion > c.maxExpansion {
		return nil, ErrExpansionBudget
	}
	return tuples, nil
}
