// Package sqlite3 implements the Storage backend on SQLite via
// zombiezen.com/go/sqlite. It is embedded and cgo-free, which makes it the
// default for single-node deployments and CI. The schema mirrors the
// Postgres backend, with the batch txid drawn from a counter table.
package sqlite3

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/dsl"
)

const schema = `
CREATE TABLE IF NOT EXISTS tuples (
	uuid TEXT PRIMARY KEY,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	subject_relation TEXT NOT NULL DEFAULT '',
	relation TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	condition_name TEXT NOT NULL DEFAULT '',
	condition_context TEXT,
	created_txid INTEGER NOT NULL,
	deleted_txid INTEGER,
	created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tuples_live_key
	ON tuples (object_type, object_id, relation, subject_type, subject_id, subject_relation)
	WHERE deleted_txid IS NULL;
CREATE INDEX IF NOT EXISTS idx_tuples_object ON tuples (object_type, object_id, relation) WHERE deleted_txid IS NULL;
CREATE INDEX IF NOT EXISTS idx_tuples_subject ON tuples (subject_type, subject_id, relation);

CREATE TABLE IF NOT EXISTS changelog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	tuple_uuid TEXT NOT NULL,
	txid INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changelog_txid ON changelog (txid);

CREATE TABLE IF NOT EXISTS models (
	uuid TEXT PRIMARY KEY,
	version_uuid TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	dsl_source TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS txid_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO txid_counter (id, value) VALUES (1, 0);
`

type SQLite3Storage struct {
	pool *sqlitex.Pool
}

// NewSQLite3Storage opens (and if necessary initializes) the database at
// the given URI, e.g. "file:rebac.db" or "file::memory:?mode=memory".
func NewSQLite3Storage(uri string) (*SQLite3Storage, error) {
	pool, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, err
	}
	s := &SQLite3Storage{pool}
	conn, err := pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite3Storage) Close() error {
	return s.pool.Close()
}

const tupleColumns = "uuid, subject_type, subject_id, subject_relation, relation, object_type, object_id, condition_name, condition_context, created_txid, deleted_txid, created_at"

func (s *SQLite3Storage) Write(ctx context.Context, writes, deletes []rebac.TupleKey) (result rebac.WriteResult, err error) {
	for _, k := range append(append([]rebac.TupleKey{}, writes...), deletes...) {
		if err := k.Validate(); err != nil {
			return rebac.WriteResult{}, err
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return rebac.WriteResult{}, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return rebac.WriteResult{}, err
	}
	defer endFn(&err)

	var txid int64
	err = sqlitex.Execute(conn, "UPDATE txid_counter SET value = value + 1 WHERE id = 1 RETURNING value", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			txid = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return rebac.WriteResult{}, err
	}
	result.Txid = txid
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, k := range deletes {
		var tombstoned []string
		err = sqlitex.Execute(conn,
			`UPDATE tuples SET deleted_txid = ?
			  WHERE object_type = ? AND object_id = ? AND relation = ?
			    AND subject_type = ? AND subject_id = ? AND subject_relation = ?
			    AND deleted_txid IS NULL
			  RETURNING uuid`,
			&sqlitex.ExecOptions{
				Args: []any{txid, k.ObjectType, k.ObjectID, k.Relation, k.SubjectType, k.SubjectID, k.SubjectRelation},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					tombstoned = append(tombstoned, stmt.ColumnText(0))
					return nil
				},
			})
		if err != nil {
			return rebac.WriteResult{}, err
		}
		for _, id := range tombstoned {
			err = sqlitex.Execute(conn,
				"INSERT INTO changelog (operation, tuple_uuid, txid, created_at) VALUES (?, ?, ?, ?)",
				&sqlitex.ExecOptions{Args: []any{string(rebac.OpDelete), id, txid, now}})
			if err != nil {
				return rebac.WriteResult{}, err
			}
			result.Deleted++
		}
	}

	for _, k := range writes {
		live := false
		err = sqlitex.Execute(conn,
			`SELECT 1 FROM tuples
			  WHERE object_type = ? AND object_id = ? AND relation = ?
			    AND subject_type = ? AND subject_id = ? AND subject_relation = ?
			    AND deleted_txid IS NULL LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{k.ObjectType, k.ObjectID, k.Relation, k.SubjectType, k.SubjectID, k.SubjectRelation},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					live = true
					return nil
				},
			})
		if err != nil {
			return rebac.WriteResult{}, err
		}
		if live {
			continue // idempotent write
		}

		id, err2 := uuid.NewV7()
		if err2 != nil {
			return rebac.WriteResult{}, err2
		}
		var conditionContext any
		if k.ConditionContext != nil {
			raw, err2 := json.Marshal(k.ConditionContext)
			if err2 != nil {
				return rebac.WriteResult{}, err2
			}
			conditionContext = string(raw)
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO tuples (uuid, subject_type, subject_id, subject_relation, relation, object_type, object_id, condition_name, condition_context, created_txid, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				id.String(), k.SubjectType, k.SubjectID, k.SubjectRelation, k.Relation,
				k.ObjectType, k.ObjectID, k.ConditionName, conditionContext, txid, now,
			}})
		if err != nil {
			return rebac.WriteResult{}, err
		}
		err = sqlitex.Execute(conn,
			"INSERT INTO changelog (operation, tuple_uuid, txid, created_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{string(rebac.OpWrite), id.String(), txid, now}})
		if err != nil {
			return rebac.WriteResult{}, err
		}
		result.Written++
	}

	return result, nil
}

func (s *SQLite3Storage) Exists(ctx context.Context, key rebac.TupleKey, txid int64) (bool, error) {
	args := []any{key.ObjectType, key.ObjectID, key.Relation, key.SubjectType, key.SubjectID, key.SubjectRelation}
	query := `SELECT 1 FROM tuples
	 WHERE object_type = ? AND object_id = ? AND relation = ?
	   AND subject_type = ? AND subject_id = ? AND subject_relation = ? AND `
	query += liveClause(&args, txid)
	query += " LIMIT 1"

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func (s *SQLite3Storage) FindByObject(ctx context.Context, objectType, objectID, relation string, txid int64) ([]rebac.Tuple, error) {
	return s.Find(ctx, rebac.TupleFilter{ObjectType: objectType, ObjectID: objectID, Relation: relation, Txid: txid})
}

func (s *SQLite3Storage) FindByUser(ctx context.Context, subjectType, subjectID, relation, objectType string, txid int64) ([]rebac.Tuple, error) {
	args := []any{subjectType, subjectID}
	query := "SELECT " + tupleColumns + " FROM tuples WHERE subject_type = ? AND subject_id = ? AND subject_relation = ''"
	if relation != "" {
		args = append(args, relation)
		query += " AND relation = ?"
	}
	if objectType != "" {
		args = append(args, objectType)
		query += " AND object_type = ?"
	}
	query += " AND " + liveClause(&args, txid)
	return s.queryTuples(ctx, query, args)
}

func (s *SQLite3Storage) FindByUserset(ctx context.Context, subjectType, subjectID, subjectRelation string, txid int64) ([]rebac.Tuple, error) {
	args := []any{subjectType, subjectID, subjectRelation}
	query := "SELECT " + tupleColumns + " FROM tuples WHERE subject_type = ? AND subject_id = ? AND subject_relation = ? AND "
	query += liveClause(&args, txid)
	return s.queryTuples(ctx, query, args)
}

func (s *SQLite3Storage) Find(ctx context.Context, filter rebac.TupleFilter) ([]rebac.Tuple, error) {
	args := make([]any, 0, 8)
	clauses := make([]string, 0, 8)
	and := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, column+" = ?")
	}
	and("subject_type", filter.SubjectType)
	and("subject_id", filter.SubjectID)
	and("subject_relation", filter.SubjectRelation)
	and("relation", filter.Relation)
	and("object_type", filter.ObjectType)
	and("object_id", filter.ObjectID)
	if !filter.IncludeDeleted {
		clauses = append(clauses, liveClause(&args, filter.Txid))
	}

	query := "SELECT " + tupleColumns + " FROM tuples"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY uuid"
	return s.queryTuples(ctx, query, args)
}

func liveClause(args *[]any, txid int64) string {
	if txid == 0 {
		return "deleted_txid IS NULL"
	}
	*args = append(*args, txid, txid)
	return "created_txid <= ? AND (deleted_txid IS NULL OR deleted_txid > ?)"
}

func (s *SQLite3Storage) queryTuples(ctx context.Context, query string, args []any) ([]rebac.Tuple, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	tuples := []rebac.Tuple{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			t, err := scanTuple(stmt)
			if err != nil {
				return err
			}
			tuples = append(tuples, t)
			return nil
		},
	})
	return tuples, err
}

// scanTuple reads a row selected with tupleColumns, in that column order.
func scanTuple(stmt *sqlite.Stmt) (rebac.Tuple, error) {
	id, err := uuid.FromString(stmt.ColumnText(0))
	if err != nil {
		return rebac.Tuple{}, err
	}
	t := rebac.Tuple{
		ID: id,
		TupleKey: rebac.TupleKey{
			SubjectType:     stmt.ColumnText(1),
			SubjectID:       stmt.ColumnText(2),
			SubjectRelation: stmt.ColumnText(3),
			Relation:        stmt.ColumnText(4),
			ObjectType:      stmt.ColumnText(5),
			ObjectID:        stmt.ColumnText(6),
			ConditionName:   stmt.ColumnText(7),
		},
		CreatedTxid: stmt.ColumnInt64(9),
	}
	if raw := stmt.ColumnText(8); raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.ConditionContext); err != nil {
			return rebac.Tuple{}, err
		}
	}
	if !stmt.ColumnIsNull(10) {
		t.DeletedTxid = stmt.ColumnInt64(10)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(11))
	if err != nil {
		return rebac.Tuple{}, err
	}
	t.CreatedAt = createdAt
	return t, nil
}

func (s *SQLite3Storage) Changelog(ctx context.Context, fromTxid, toTxid int64) ([]rebac.ChangeEntry, error) {
	args := []any{fromTxid}
	query := "SELECT id, operation, tuple_uuid, txid, created_at FROM changelog WHERE txid >= ?"
	if toTxid > 0 {
		args = append(args, toTxid)
		query += " AND txid <= ?"
	}
	query += " ORDER BY id"

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	entries := []rebac.ChangeEntry{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tupleID, err := uuid.FromString(stmt.ColumnText(2))
			if err != nil {
				return err
			}
			createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(4))
			if err != nil {
				return err
			}
			entries = append(entries, rebac.ChangeEntry{
				ID:        stmt.ColumnInt64(0),
				Op:        rebac.ChangeOp(stmt.ColumnText(1)),
				TupleID:   tupleID,
				Txid:      stmt.ColumnInt64(3),
				CreatedAt: createdAt,
			})
			return nil
		},
	})
	return entries, err
}

func (s *SQLite3Storage) SaveModel(ctx context.Context, m *rebac.AuthorizationModel) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	active := 0
	if m.IsActive {
		active = 1
	}
	return sqlitex.Execute(conn,
		"INSERT INTO models (uuid, version_uuid, schema_version, dsl_source, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			m.ID.String(), m.VersionID.String(), m.SchemaVersion, m.DSLSource, active,
			m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}})
}

const modelColumns = "uuid, version_uuid, schema_version, dsl_source, is_active, created_at"

func (s *SQLite3Storage) Model(ctx context.Context, id uuid.UUID) (*rebac.AuthorizationModel, error) {
	models, err := s.queryModels(ctx, "SELECT "+modelColumns+" FROM models WHERE uuid = ?", []any{id.String()})
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, rebac.ErrNotFound
	}
	return models[0], nil
}

func (s *SQLite3Storage) ActiveModel(ctx context.Context) (*rebac.AuthorizationModel, error) {
	models, err := s.queryModels(ctx, "SELECT "+modelColumns+" FROM models WHERE is_active = 1", nil)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, rebac.ErrNotFound
	}
	return models[0], nil
}

func (s *SQLite3Storage) ActivateModel(ctx context.Context, id uuid.UUID) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)

	if err = sqlitex.Execute(conn, "UPDATE models SET is_active = 0 WHERE is_active = 1", nil); err != nil {
		return err
	}
	if err = sqlitex.Execute(conn, "UPDATE models SET is_active = 1 WHERE uuid = ?",
		&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return rebac.ErrNotFound
	}
	return nil
}

func (s *SQLite3Storage) ListModels(ctx context.Context) ([]*rebac.AuthorizationModel, error) {
	return s.queryModels(ctx, "SELECT "+modelColumns+" FROM models ORDER BY created_at", nil)
}

// queryModels rehydrates models by recompiling their stored sources.
func (s *SQLite3Storage) queryModels(ctx context.Context, query string, args []any) ([]*rebac.AuthorizationModel, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	models := []*rebac.AuthorizationModel{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id, err := uuid.FromString(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			versionID, err := uuid.FromString(stmt.ColumnText(1))
			if err != nil {
				return err
			}
			createdAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(5))
			if err != nil {
				return err
			}
			source := stmt.ColumnText(3)
			result := dsl.Compile(source)
			if !result.Success {
				return fmt.Errorf("stored model %s no longer compiles", id)
			}
			compiled := result.Model
			compiled.ID = id
			compiled.VersionID = versionID
			compiled.SchemaVersion = stmt.ColumnText(2)
			compiled.DSLSource = source
			compiled.IsActive = stmt.ColumnInt64(4) == 1
			compiled.CreatedAt = createdAt
			models = append(models, compiled)
			return nil
		},
	})
	return models, err
}
