package rebac

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

var ErrNotFound = errors.New("not found")

// ChangeOp is the kind of a changelog entry.
type ChangeOp string

const (
	OpWrite  ChangeOp = "WRITE"
	OpDelete ChangeOp = "DELETE"
)

// ChangeEntry is one row of the append-only audit trail. One entry is
// written per successful tuple mutation, sharing the batch txid.
type ChangeEntry struct {
	ID        int64     `json:"id"`
	Op        ChangeOp  `json:"operation"`
	TupleID   uuid.UUID `json:"tuple_id"`
	Txid      int64     `json:"txid"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteResult reports the outcome of a tuple mutation batch.
type WriteResult struct {
	Txid    int64 `json:"txid"`
	Written int   `json:"written"`
	Deleted int   `json:"deleted"`
}

// TupleFilter narrows a generic Find. Empty string fields match anything.
// Txid selects a snapshot (zero means latest); IncludeDeleted disables the
// live-only filter entirely.
type TupleFilter struct {
	SubjectType     string
	SubjectID       string
	SubjectRelation string
	Relation        string
	ObjectType      string
	ObjectID        string
	Txid            int64
	IncludeDeleted  bool
}

// Match reports whether a tuple satisfies the filter. Backends without
// native query support use it directly.
func (f TupleFilter) Match(t Tuple) bool {
	if !f.IncludeDeleted && !t.LiveAt(f.Txid) {
		return false
	}
	ok := (f.SubjectType == "" || f.SubjectType == t.SubjectType) &&
		(f.SubjectID == "" || f.SubjectID == t.SubjectID) &&
		(f.SubjectRelation == "" || f.SubjectRelation == t.SubjectRelation) &&
		(f.Relation == "" || f.Relation == t.Relation) &&
		(f.ObjectType == "" || f.ObjectType == t.ObjectType) &&
		(f.ObjectID == "" || f.ObjectID == t.ObjectID)
	return ok
}

// TupleStore persists relationship tuples with txid-tombstone versioning.
//
// Write executes the whole batch inside one transaction: every delete key
// tombstones all currently-live matches, every write key inserts unless a
// live tuple with the same key already exists (idempotent no-op). Each
// effective mutation appends one changelog entry carrying the shared txid.
//
// All reads are live-only at the given txid snapshot; txid zero means
// latest. Find may include tombstones via TupleFilter.IncludeDeleted.
type TupleStore interface {
	Write(ctx context.Context, writes, deletes []TupleKey) (WriteResult, error)

	Exists(ctx context.Context, key TupleKey, txid int64) (bool, error)
	FindByObject(ctx context.Context, objectType, objectID, relation string, txid int64) ([]Tuple, error)
	FindByUser(ctx context.Context, subjectType, subjectID, relation, objectType string, txid int64) ([]Tuple, error)
	FindByUserset(ctx context.Context, subjectType, subjectID, subjectRelation string, txid int64) ([]Tuple, error)
	Find(ctx context.Context, filter TupleFilter) ([]Tuple, error)

	Changelog(ctx context.Context, fromTxid, toTxid int64) ([]ChangeEntry, error)

	Close() error
}

// ModelStore persists compiled authorization models. Models are immutable;
// ActivateModel atomically deactivates every other version.
type ModelStore interface {
	SaveModel(ctx context.Context, m *AuthorizationModel) error
	Model(ctx context.Context, id uuid.UUID) (*AuthorizationModel, error)
	ActiveModel(ctx context.Context) (*AuthorizationModel, error)
	ActivateModel(ctx context.Context, id uuid.UUID) error
	ListModels(ctx context.Context) ([]*AuthorizationModel, error)
}

// Storage is the combined persistence surface implemented by every backend.
type Storage interface {
	TupleStore
	ModelStore
}
