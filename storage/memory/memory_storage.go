// Package memory provides an in-process Storage backend used by tests and
// the dev-mode server. It keeps the same txid-tombstone semantics as the
// SQL backends: tuples are immutable once written and deletion only sets
// the tombstone txid.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/authgraph/rebac"
)

type MemoryStorage struct {
	mu       sync.RWMutex
	tuples   []rebac.Tuple
	log      []rebac.ChangeEntry
	models   map[uuid.UUID]*rebac.AuthorizationModel
	order    []uuid.UUID
	lastTxid int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		models: map[uuid.UUID]*rebac.AuthorizationModel{},
	}
}

func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) Write(ctx context.Context, writes, deletes []rebac.TupleKey) (rebac.WriteResult, error) {
	for _, k := range append(append([]rebac.TupleKey{}, writes...), deletes...) {
		if err := k.Validate(); err != nil {
			return rebac.WriteResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTxid++
	txid := s.lastTxid
	result := rebac.WriteResult{Txid: txid}
	now := time.Now().UTC()

	for _, k := range deletes {
		for i := range s.tuples {
			t := &s.tuples[i]
			if t.Live() && sameKey(t.TupleKey, k) {
				t.DeletedTxid = txid
				s.log = append(s.log, rebac.ChangeEntry{
					ID:        int64(len(s.log) + 1),
					Op:        rebac.OpDelete,
					TupleID:   t.ID,
					Txid:      txid,
					CreatedAt: now,
				})
				result.Deleted++
			}
		}
	}

	for _, k := range writes {
		if s.liveExists(k) {
			continue // idempotent write
		}
		t := rebac.Tuple{
			ID:          uuid.Must(uuid.NewV7()),
			TupleKey:    k,
			CreatedTxid: txid,
			CreatedAt:   now,
		}
		s.tuples = append(s.tuples, t)
		s.log = append(s.log, rebac.ChangeEntry{
			ID:        int64(len(s.log) + 1),
			Op:        rebac.OpWrite,
			TupleID:   t.ID,
			Txid:      txid,
			CreatedAt: now,
		})
		result.Written++
	}

	return result, nil
}

func (s *MemoryStorage) liveExists(k rebac.TupleKey) bool {
	for i := range s.tuples {
		if s.tuples[i].Live() && sameKey(s.tuples[i].TupleKey, k) {
			return true
		}
	}
	return false
}

func sameKey(a, b rebac.TupleKey) bool {
	return a.SubjectType == b.SubjectType &&
		a.SubjectID == b.SubjectID &&
		a.SubjectRelation == b.SubjectRelation &&
		a.Relation == b.Relation &&
		a.ObjectType == b.ObjectType &&
		a.ObjectID == b.ObjectID
}

func (s *MemoryStorage) Exists(ctx context.Context, key rebac.TupleKey, txid int64) (bool, error) {
	tuples, err := s.Find(ctx, rebac.TupleFilter{
		SubjectType:     key.SubjectType,
		SubjectID:       key.SubjectID,
		SubjectRelation: key.SubjectRelation,
		Relation:        key.Relation,
		ObjectType:      key.ObjectType,
		ObjectID:        key.ObjectID,
		Txid:            txid,
	})
	if err != nil {
		return false, err
	}
	// The filter treats empty fields as wildcards; an Exists key must
	// match the subject relation exactly.
	for _, t := range tuples {
		if t.SubjectRelation == key.SubjectRelation {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) FindByObject(ctx context.Context, objectType, objectID, relation string, txid int64) ([]rebac.Tuple, error) {
	return s.Find(ctx, rebac.TupleFilter{ObjectType: objectType, ObjectID: objectID, Relation: relation, Txid: txid})
}

func (s *MemoryStorage) FindByUser(ctx context.Context, subjectType, subjectID, relation, objectType string, txid int64) ([]rebac.Tuple, error) {
	tuples, err := s.Find(ctx, rebac.TupleFilter{SubjectType: subjectType, SubjectID: subjectID, Relation: relation, ObjectType: objectType, Txid: txid})
	if err != nil {
		return nil, err
	}
	// Reverse-index reads address direct assignments, not userset edges.
	out := tuples[:0]
	for _, t := range tuples {
		if t.SubjectRelation == "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStorage) FindByUserset(ctx context.Context, subjectType, subjectID, subjectRelation string, txid int64) ([]rebac.Tuple, error) {
	return s.Find(ctx, rebac.TupleFilter{SubjectType: subjectType, SubjectID: subjectID, SubjectRelation: subjectRelation, Txid: txid})
}

func (s *MemoryStorage) Find(ctx context.Context, filter rebac.TupleFilter) ([]rebac.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rebac.Tuple
	for _, t := range s.tuples {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStorage) Changelog(ctx context.Context, fromTxid, toTxid int64) ([]rebac.ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rebac.ChangeEntry
	for _, e := range s.log {
		if e.Txid >= fromTxid && (toTxid == 0 || e.Txid <= toTxid) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStorage) SaveModel(ctx context.Context, m *rebac.AuthorizationModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *m
	s.models[m.ID] = &copied
	s.order = append(s.order, m.ID)
	return nil
}

func (s *MemoryStorage) Model(ctx context.Context, id uuid.UUID) (*rebac.AuthorizationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, rebac.ErrNotFound
	}
	return m, nil
}

func (s *MemoryStorage) ActiveModel(ctx context.Context) (*rebac.AuthorizationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.IsActive {
			return m, nil
		}
	}
	return nil, rebac.ErrNotFound
}

func (s *MemoryStorage) ActivateModel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.models[id]
	if !ok {
		return rebac.ErrNotFound
	}
	for _, m := range s.models {
		m.IsActive = false
	}
	target.IsActive = true
	return nil
}

func (s *MemoryStorage) ListModels(ctx context.Context) ([]*rebac.AuthorizationModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.AuthorizationModel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.models[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
