// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (ca_id, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. The record payload is stored as BYTEA next to its version so
// that compare-and-swap can be expressed as a row lock plus a version check.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the records and watermarks tables if they do not
// exist. It is safe to call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Repository      = (*Store)(nil)
	_ storage.AuthorityLister = (*Store)(nil)
)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool. This is useful for sharing
// the pool with other components such as the watermark store.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertRecordSQL = `INSERT INTO records (ca_id, record_type, record_id, data, version)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (ca_id, record_type, record_id)
	 DO UPDATE SET data = $4, version = $5`

func (s *Store) Put(caID, recordType, recordID string, record *storage.Record) error {
	_, err := s.pool.Exec(context.Background(), upsertRecordSQL,
		caID, recordType, recordID, record.Data, record.Version)
	return err
}

func (s *Store) Get(caID, recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), s.pool, caID, recordType, recordID)
}

func (s *Store) List(caID, recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM records WHERE ca_id = $1 AND record_type = $2 ORDER BY record_id`,
		caID, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListAuthorities() ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT DISTINCT ca_id FROM records ORDER BY ca_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PutCAS(caID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := putCASInTx(context.Background(), tx, caID, recordType, recordID, expectedVersion, record); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

func (s *Store) Batch(caID string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	btx := &pgBatchTx{tx: pgTx, caID: caID}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx   pgx.Tx
	caID string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), btx.tx, btx.caID, recordType, recordID)
}

func (btx *pgBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	_, err := btx.tx.Exec(context.Background(), upsertRecordSQL,
		btx.caID, recordType, recordID, record.Data, record.Version)
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInTx(context.Background(), btx.tx, btx.caID, recordType, recordID, expectedVersion, record)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q querier, caID, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := q.QueryRow(ctx,
		`SELECT data, version FROM records
		 WHERE ca_id = $1 AND record_type = $2 AND record_id = $3`,
		caID, recordType, recordID).Scan(&rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, q, caID, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, caID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE ca_id = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		caID, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// A concurrent creator wins the primary key; report it as a CAS loss.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (ca_id, record_type, record_id, data, version)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (ca_id, record_type, record_id) DO NOTHING`,
			caID, recordType, recordID, record.Data, record.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $4, version = $5
		 WHERE ca_id = $1 AND record_type = $2 AND record_id = $3`,
		caID, recordType, recordID, record.Data, record.Version)
	return err
}

// notFoundError determines whether a missing record is due to a missing CA
// or a missing record within an existing CA. This preserves the BBolt
// semantic of distinguishing ErrAuthorityNotFound from ErrNotFound.
func notFoundError(ctx context.Context, q querier, caID, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE ca_id = $1 LIMIT 1)`,
		caID).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", caID, storage.ErrAuthorityNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
