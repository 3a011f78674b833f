// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/ironca/storage"
	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// DefaultOpenTimeout bounds the wait for the file lock when no options are
// given. BBolt admits one process per file, so a second ironca process
// fails with ErrLocked instead of hanging.
const DefaultOpenTimeout = 5 * time.Second

// ErrLocked is returned when another process holds the database.
var ErrLocked = errors.New("bbolt database is locked by another process; use the sqlite or postgres driver to share a ledger between processes")

func open(path string, options *bbolt.Options) (*bbolt.DB, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: DefaultOpenTimeout}
	}
	db, err := bbolt.Open(path, 0600, options)
	if errors.Is(err, bolterrors.ErrTimeout) {
		return nil, fmt.Errorf("opening %s: %w", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return db, nil
}

// Store implements storage.Repository backed by a BBolt database. Each CA
// gets its own bucket; keys are "<recordType>:<recordID>".
type Store struct {
	db *bbolt.DB
}

var (
	_ storage.Repository      = (*Store)(nil)
	_ storage.AuthorityLister = (*Store)(nil)
)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
// Nil options wait at most DefaultOpenTimeout for the file lock.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := open(path, options)
	if err != nil {
		return nil, err
	}
	return NewRepository(db), nil
}

// DB returns the underlying database so that it can be shared with the
// watermark store.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func (s *Store) getBucket(tx *bbolt.Tx, caID string) (*bbolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(caID))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func putInBucket(b *bbolt.Bucket, recordType, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func getFromBucket(b *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	data := b.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var record storage.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) Put(caID, recordType, recordID string, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx, caID)
		if err != nil {
			return err
		}
		return putInBucket(b, recordType, recordID, record)
	})
}

func (s *Store) Get(caID, recordType, recordID string) (*storage.Record, error) {
	var record *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(caID))
		if b == nil {
			return fmt.Errorf("%s: %w", caID, storage.ErrAuthorityNotFound)
		}
		var err error
		record, err = getFromBucket(b, recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) List(caID, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(caID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// ListAuthorities returns the IDs of every CA with at least one record.
// Internal buckets (prefixed "__") are skipped.
func (s *Store) ListAuthorities() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !strings.HasPrefix(string(name), "__") {
				ids = append(ids, string(name))
			}
			return nil
		})
	})
	return ids, err
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existingData := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}

	return putInBucket(b, recordType, recordID, record)
}

func (s *Store) PutCAS(caID, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx, caID)
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, record)
	})
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getFromBucket(tx.bucket, recordType, recordID)
}

func (tx *boltBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return putInBucket(tx.bucket, recordType, recordID, record)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, record)
}

func (s *Store) Batch(caID string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.getBucket(tx, caID)
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}
