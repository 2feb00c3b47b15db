// Package postgres implements the Storage backend on PostgreSQL. A batch of
// tuple mutations runs in one transaction sharing a sequence-drawn txid; a
// partial unique index enforces at most one live tuple per key.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/dsl"
)

//go:embed migrations/*.sql
var fs embed.FS

func RunMigrations(databaseURL string) error {
	driver, err := iofs.New(fs, "migrations")
	if err != nil {
		return err
	}
	migrations, err := migrate.NewWithSourceInstance("iofs", driver, databaseURL)
	if err != nil {
		return err
	}
	err = migrations.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxuuid.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &PostgresStorage{pool}, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

const tupleColumns = "uuid, subject_type, subject_id, subject_relation, relation, object_type, object_id, condition_name, condition_context, created_txid, deleted_txid, created_at"

func (s *PostgresStorage) Write(ctx context.Context, writes, deletes []rebac.TupleKey) (rebac.WriteResult, error) {
	for _, k := range append(append([]rebac.TupleKey{}, writes...), deletes...) {
		if err := k.Validate(); err != nil {
			return rebac.WriteResult{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return rebac.WriteResult{}, err
	}
	defer tx.Rollback(ctx)

	var txid int64
	if err := tx.QueryRow(ctx, "SELECT nextval('txid_seq')").Scan(&txid); err != nil {
		return rebac.WriteResult{}, err
	}
	result := rebac.WriteResult{Txid: txid}

	for _, k := range deletes {
		rows, err := tx.Query(ctx,
			`UPDATE tuples SET deleted_txid=$1
			  WHERE object_type=$2 AND object_id=$3 AND relation=$4
			    AND subject_type=$5 AND subject_id=$6 AND subject_relation=$7
			    AND deleted_txid IS NULL
			  RETURNING uuid`,
			txid, k.ObjectType, k.ObjectID, k.Relation, k.SubjectType, k.SubjectID, k.SubjectRelation)
		if err != nil {
			return rebac.WriteResult{}, err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return rebac.WriteResult{}, err
		}
		for _, id := range ids {
			if _, err := tx.Exec(ctx,
				"INSERT INTO changelog (operation, tuple_uuid, txid) VALUES ($1, $2, $3)",
				rebac.OpDelete, id, txid); err != nil {
				return rebac.WriteResult{}, err
			}
			result.Deleted++
		}
	}

	for _, k := range writes {
		id, err := uuid.NewV7()
		if err != nil {
			return rebac.WriteResult{}, err
		}
		// The conflict target is the live-key partial index: writing an
		// already-live key is an uncounted no-op.
		tag, err := tx.Exec(ctx,
			`INSERT INTO tuples (uuid, subject_type, subject_id, subject_relation, relation, object_type, object_id, condition_name, condition_context, created_txid)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (object_type, object_id, relation, subject_type, subject_id, subject_relation)
			 WHERE deleted_txid IS NULL DO NOTHING`,
			id, k.SubjectType, k.SubjectID, k.SubjectRelation, k.Relation, k.ObjectType, k.ObjectID, k.ConditionName, k.ConditionContext, txid)
		if err != nil {
			return rebac.WriteResult{}, err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO changelog (operation, tuple_uuid, txid) VALUES ($1, $2, $3)",
			rebac.OpWrite, id, txid); err != nil {
			return rebac.WriteResult{}, err
		}
		result.Written++
	}

	if err := tx.Commit(ctx); err != nil {
		return rebac.WriteResult{}, err
	}
	return result, nil
}

func (s *PostgresStorage) Exists(ctx context.Context, key rebac.TupleKey, txid int64) (bool, error) {
	args := []any{key.ObjectType, key.ObjectID, key.Relation, key.SubjectType, key.SubjectID, key.SubjectRelation}
	query := `SELECT 1 FROM tuples
	 WHERE object_type=$1 AND object_id=$2 AND relation=$3
	   AND subject_type=$4 AND subject_id=$5 AND subject_relation=$6 AND `
	query += liveClause(&args, txid)
	query += " LIMIT 1"

	var one int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStorage) FindByObject(ctx context.Context, objectType, objectID, relation string, txid int64) ([]rebac.Tuple, error) {
	return s.Find(ctx, rebac.TupleFilter{ObjectType: objectType, ObjectID: objectID, Relation: relation, Txid: txid})
}

func (s *PostgresStorage) FindByUser(ctx context.Context, subjectType, subjectID, relation, objectType string, txid int64) ([]rebac.Tuple, error) {
	args := []any{subjectType, subjectID}
	query := "SELECT " + tupleColumns + ` FROM tuples
	 WHERE subject_type=$1 AND subject_id=$2 AND subject_relation=''`
	if relation != "" {
		args = append(args, relation)
		query += " AND relation=$" + strconv.Itoa(len(args))
	}
	if objectType != "" {
		args = append(args, objectType)
		query += " AND object_type=$" + strconv.Itoa(len(args))
	}
	query += " AND " + liveClause(&args, txid)
	return s.queryTuples(ctx, query, args...)
}

func (s *PostgresStorage) FindByUserset(ctx context.Context, subjectType, subjectID, subjectRelation string, txid int64) ([]rebac.Tuple, error) {
	args := []any{subjectType, subjectID, subjectRelation}
	query := "SELECT " + tupleColumns + ` FROM tuples
	 WHERE subject_type=$1 AND subject_id=$2 AND subject_relation=$3 AND `
	query += liveClause(&args, txid)
	return s.queryTuples(ctx, query, args...)
}

func (s *PostgresStorage) Find(ctx context.Context, filter rebac.TupleFilter) ([]rebac.Tuple, error) {
	args := make([]any, 0, 8)
	where := ""
	and := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		if where != "" {
			where += " AND "
		}
		where += column + "=$" + strconv.Itoa(len(args))
	}
	and("subject_type", filter.SubjectType)
	and("subject_id", filter.SubjectID)
	and("subject_relation", filter.SubjectRelation)
	and("relation", filter.Relation)
	and("object_type", filter.ObjectType)
	and("object_id", filter.ObjectID)

	if !filter.IncludeDeleted {
		if where != "" {
			where += " AND "
		}
		where += liveClause(&args, filter.Txid)
	}
	query := "SELECT " + tupleColumns + " FROM tuples"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY uuid"
	return s.queryTuples(ctx, query, args...)
}

// liveClause appends the snapshot predicate: latest (txid zero) reads only
// untombstoned tuples, a snapshot reads tuples live at that txid.
func liveClause(args *[]any, txid int64) string {
	if txid == 0 {
		return "deleted_txid IS NULL"
	}
	*args = append(*args, txid)
	n := strconv.Itoa(len(*args))
	return fmt.Sprintf("created_txid<=$%s AND (deleted_txid IS NULL OR deleted_txid>$%s)", n, n)
}

func (s *PostgresStorage) queryTuples(ctx context.Context, query string, args ...any) ([]rebac.Tuple, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tuples := []rebac.Tuple{}
	for rows.Next() {
		var (
			t           rebac.Tuple
			deletedTxid *int64
		)
		err := rows.Scan(&t.ID, &t.SubjectType, &t.SubjectID, &t.SubjectRelation, &t.Relation,
			&t.ObjectType, &t.ObjectID, &t.ConditionName, &t.ConditionContext,
			&t.CreatedTxid, &deletedTxid, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		if deletedTxid != nil {
			t.DeletedTxid = *deletedTxid
		}
		tuples = append(tuples, t)
	}
	return tuples, rows.Err()
}

func (s *PostgresStorage) Changelog(ctx context.Context, fromTxid, toTxid int64) ([]rebac.ChangeEntry, error) {
	args := []any{fromTxid}
	query := "SELECT id, operation, tuple_uuid, txid, created_at FROM changelog WHERE txid>=$1"
	if toTxid > 0 {
		args = append(args, toTxid)
		query += " AND txid<=$2"
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []rebac.ChangeEntry{}
	for rows.Next() {
		var e rebac.ChangeEntry
		if err := rows.Scan(&e.ID, &e.Op, &e.TupleID, &e.Txid, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStorage) SaveModel(ctx context.Context, m *rebac.AuthorizationModel) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO models (uuid, version_uuid, schema_version, dsl_source, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		m.ID, m.VersionID, m.SchemaVersion, m.DSLSource, m.IsActive, m.CreatedAt)
	return err
}

func (s *PostgresStorage) Model(ctx context.Context, id uuid.UUID) (*rebac.AuthorizationModel, error) {
	return s.queryModel(ctx, "SELECT uuid, version_uuid, schema_version, dsl_source, is_active, created_at FROM models WHERE uuid=$1", id)
}

func (s *PostgresStorage) ActiveModel(ctx context.Context) (*rebac.AuthorizationModel, error) {
	return s.queryModel(ctx, "SELECT uuid, version_uuid, schema_version, dsl_source, is_active, created_at FROM models WHERE is_active")
}

// queryModel rehydrates a model by recompiling its stored source; compile
// is deterministic so the typed rewrite trees need no bespoke codec.
func (s *PostgresStorage) queryModel(ctx context.Context, query string, args ...any) (*rebac.AuthorizationModel, error) {
	var (
		id, versionID         uuid.UUID
		schemaVersion, source string
		isActive              bool
		m                     rebac.AuthorizationModel
	)
	row := s.pool.QueryRow(ctx, query, args...)
	err := row.Scan(&id, &versionID, &schemaVersion, &source, &isActive, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, rebac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	result := dsl.Compile(source)
	if !result.Success {
		return nil, fmt.Errorf("stored model %s no longer compiles", id)
	}
	compiled := result.Model
	compiled.ID = id
	compiled.VersionID = versionID
	compiled.SchemaVersion = schemaVersion
	compiled.DSLSource = source
	compiled.IsActive = isActive
	compiled.CreatedAt = m.CreatedAt
	return compiled, nil
}

func (s *PostgresStorage) ActivateModel(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE models SET is_active=FALSE WHERE is_active"); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, "UPDATE models SET is_active=TRUE WHERE uuid=$1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return rebac.ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStorage) ListModels(ctx context.Context) ([]*rebac.AuthorizationModel, error) {
	rows, err := s.pool.Query(ctx, "SELECT uuid, version_uuid, schema_version, dsl_source, is_active, created_at FROM models ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := []*rebac.AuthorizationModel{}
	for rows.Next() {
		var (
			id, versionID         uuid.UUID
			schemaVersion, source string
			isActive              bool
			m                     rebac.AuthorizationModel
		)
		if err := rows.Scan(&id, &versionID, &schemaVersion, &source, &isActive, &m.CreatedAt); err != nil {
			return nil, err
		}
		result := dsl.Compile(source)
		if !result.Success {
			return nil, fmt.Errorf("stored model %s no longer compiles", id)
		}
		compiled := result.Model
		compiled.ID = id
		compiled.VersionID = versionID
		compiled.SchemaVersion = schemaVersion
		compiled.DSLSource = source
		compiled.IsActive = isActive
		compiled.CreatedAt = m.CreatedAt
		models = append(models, compiled)
	}
	return models, rows.Err()
}
