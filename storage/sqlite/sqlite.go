// Package sqlite implements storage.Repository on an embedded SQLite
// database using github.com/mattn/go-sqlite3.
//
// The table layout matches the PostgreSQL backend. The connection pool is
// limited to a single connection so that transactions serialise without
// SQLITE_BUSY retries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmcleod/ironca/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
    ca_id       TEXT    NOT NULL,
    record_type TEXT    NOT NULL,
    record_id   TEXT    NOT NULL,
    data        BLOB    NOT NULL,
    version     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (ca_id, record_type, record_id)
);`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ storage.Repository      = (*Store)(nil)
	_ storage.AuthorityLister = (*Store)(nil)
)

// Open opens (or creates) the database at dsn, e.g. "file:ca.db" or
// ":memory:", and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer abstracts *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const upsertRecordSQL = `INSERT INTO records (ca_id, record_type, record_id, data, version)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (ca_id, record_type, record_id) DO UPDATE SET data = excluded.data, version = excluded.version`

func putRecord(ctx context.Context, e execer, caID, recordType, recordID string, record *storage.Record) error {
	_, err := e.ExecContext(ctx, upsertRecordSQL, caID, recordType, recordID, record.Data, int64(record.Version))
	return err
}

func getRecord(ctx context.Context, e execer, caID, recordType, recordID string) (*storage.Record, error) {
	var (
		data    []byte
		version int64
	)
	err := e.QueryRowContext(ctx,
		`SELECT data, version FROM records WHERE ca_id = ? AND record_type = ? AND record_id = ?`,
		caID, recordType, recordID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		_ = e.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM records WHERE ca_id = ?)`, caID).Scan(&exists)
		if !exists {
			return nil, fmt.Errorf("%s: %w", caID, storage.ErrAuthorityNotFound)
		}
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{Data: data, Version: uint64(version)}, nil
}

func putCAS(ctx context.Context, e execer, caID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	if expectedVersion == 0 {
		res, err := e.ExecContext(ctx,
			`INSERT INTO records (ca_id, record_type, record_id, data, version) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (ca_id, record_type, record_id) DO NOTHING`,
			caID, recordType, recordID, record.Data, int64(record.Version))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	res, err := e.ExecContext(ctx,
		`UPDATE records SET data = ?, version = ?
		 WHERE ca_id = ? AND record_type = ? AND record_id = ? AND version = ?`,
		record.Data, int64(record.Version), caID, recordType, recordID, int64(expectedVersion))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) Put(caID, recordType, recordID string, record *storage.Record) error {
	return putRecord(context.Background(), s.db, caID, recordType, recordID, record)
}

func (s *Store) Get(caID, recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), s.db, caID, recordType, recordID)
}

func (s *Store) List(caID, recordType string) ([]string, error) {
	return s.queryStrings(`SELECT record_id FROM records WHERE ca_id = ? AND record_type = ? ORDER BY record_id`, caID, recordType)
}

func (s *Store) ListAuthorities() ([]string, error) {
	return s.queryStrings(`SELECT DISTINCT ca_id FROM records ORDER BY ca_id`)
}

func (s *Store) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) PutCAS(caID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCAS(context.Background(), s.db, caID, recordType, recordID, expectedVersion, record)
}

func (s *Store) Batch(caID string, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatchTx{tx: tx, caID: caID}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteBatchTx struct {
	tx   *sql.Tx
	caID string
}

func (btx *sqliteBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(context.Background(), btx.tx, btx.caID, recordType, recordID)
}

func (btx *sqliteBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return putRecord(context.Background(), btx.tx, btx.caID, recordType, recordID, record)
}

func (btx *sqliteBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCAS(context.Background(), btx.tx, btx.caID, recordType, recordID, expectedVersion, record)
}
