package rebac

import (
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

var ErrInvalidKey = errors.New("invalid tuple key")

// TupleKey identifies a relationship fact:
//
//	⟨tuple⟩ ::= ⟨object⟩‘#’⟨relation⟩‘@’⟨subject⟩
//	⟨object⟩ ::= ⟨type⟩‘:’⟨id⟩
//	⟨subject⟩ ::= ⟨type⟩‘:’⟨id⟩ | ⟨type⟩‘:’⟨id⟩‘#’⟨relation⟩
//
// A non-empty SubjectRelation makes the subject a userset reference,
// e.g. all members of team:eng.
type TupleKey struct {
	SubjectType     string `json:"subject_type"`
	SubjectID       string `json:"subject_id"`
	SubjectRelation string `json:"subject_relation,omitempty"`

	Relation string `json:"relation"`

	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`

	ConditionName    string         `json:"condition_name,omitempty"`
	ConditionContext map[string]any `json:"condition_context,omitempty"`
}

// Tuple is a stored relationship. Tuples are immutable once written;
// deletion sets DeletedTxid instead of removing the row.
type Tuple struct {
	ID uuid.UUID `json:"id"`
	TupleKey

	CreatedTxid int64 `json:"created_txid"`
	// DeletedTxid is zero while the tuple is live.
	DeletedTxid int64     `json:"deleted_txid,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Live reports whether the tuple has not been tombstoned.
func (t Tuple) Live() bool {
	return t.DeletedTxid == 0
}

// LiveAt reports whether the tuple was live at the given txid snapshot.
// A zero txid means "latest".
func (t Tuple) LiveAt(txid int64) bool {
	if txid == 0 {
		return t.Live()
	}
	return t.CreatedTxid <= txid && (t.DeletedTxid == 0 || t.DeletedTxid > txid)
}

// Validate rejects keys that cannot address a tuple before any transaction
// is opened on their behalf.
func (k TupleKey) Validate() error {
	for _, part := range []string{k.SubjectType, k.SubjectID, k.Relation, k.ObjectType, k.ObjectID} {
		if part == "" {
			return ErrInvalidKey
		}
		if strings.ContainsAny(part, ":#@|") {
			return ErrInvalidKey
		}
	}
	if k.SubjectRelation != "" && strings.ContainsAny(k.SubjectRelation, ":#@|") {
		return ErrInvalidKey
	}
	return nil
}

// String renders the key in Zanzibar notation, e.g.
// "doc:readme#viewer@user:alice" or "doc:readme#viewer@team:eng#member".
func (k TupleKey) String() string {
	s := k.ObjectType + ":" + k.ObjectID + "#" + k.Relation + "@" + k.SubjectType + ":" + k.SubjectID
	if k.SubjectRelation != "" {
		s += "#" + k.SubjectRelation
	}
	return s
}

// Subject renders the subject half of the key, "type:id" or "type:id#relation".
func (k TupleKey) Subject() string {
	s := k.SubjectType + ":" + k.SubjectID
	if k.SubjectRelation != "" {
		s += "#" + k.SubjectRelation
	}
	return s
}

// Object renders the object half of the key, "type:id".
func (k TupleKey) Object() string {
	return k.ObjectType + ":" + k.ObjectID
}

// TupleString parses Zanzibar notation into a TupleKey. Malformed input
// yields a zero-value key that fails Validate.
func TupleString(s string) TupleKey {
	object, rest, ok := strings.Cut(s, "#")
	if !ok {
		return TupleKey{}
	}
	relation, subject, ok := strings.Cut(rest, "@")
	if !ok {
		return TupleKey{}
	}
	objectType, objectID, ok := strings.Cut(object, ":")
	if !ok {
		return TupleKey{}
	}
	subjectRelation := ""
	if ref, rel, ok := strings.Cut(subject, "#"); ok {
		subject, subjectRelation = ref, rel
	}
	subjectType, subjectID, ok := strings.Cut(subject, ":")
	if !ok {
		return TupleKey{}
	}
	return TupleKey{
		SubjectType:     subjectType,
		SubjectID:       subjectID,
		SubjectRelation: subjectRelation,
		Relation:        relation,
		ObjectType:      objectType,
		ObjectID:        objectID,
	}
}
