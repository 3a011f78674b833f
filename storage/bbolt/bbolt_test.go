package bbolt

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jmcleod/ironca/storage"
	"go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*bbolt.DB, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "ironca-test-*.db")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		os.Remove(path)
		t.Fatalf("could not open db: %v", err)
	}
	return db, func() {
		db.Close()
		os.Remove(path)
	}
}

func TestBBoltStorage(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	s := NewRepository(db)
	caID := "root-ca"
	recordType := "ledger"
	recordID := "00000000000000000001"
	rec := &storage.Record{Data: []byte(`{"type":"issued"}`)}

	t.Run("PutGet", func(t *testing.T) {
		err := s.Put(caID, recordType, recordID, rec)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := s.Get(caID, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != string(rec.Data) {
			t.Errorf("expected data %q, got %q", rec.Data, got.Data)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put(caID, recordType, "00000000000000000002", rec)
		ids, err := s.List(caID, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 IDs, got %d", len(ids))
		}
		if ids[0] != "00000000000000000001" {
			t.Errorf("expected cursor order, got %v", ids)
		}
	})

	t.Run("PutCAS create-only", func(t *testing.T) {
		err := s.PutCAS(caID, "serial", "0a", 0, rec)
		if err != nil {
			t.Fatalf("PutCAS (new) failed: %v", err)
		}

		err = s.PutCAS(caID, "serial", "0a", 0, rec)
		if err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("PutCAS version match", func(t *testing.T) {
		err := s.Put(caID, "counter", "serial", &storage.Record{Data: []byte(`{"value":1}`), Version: 1})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		err = s.PutCAS(caID, "counter", "serial", 1, &storage.Record{Data: []byte(`{"value":2}`), Version: 2})
		if err != nil {
			t.Fatalf("PutCAS (version match) failed: %v", err)
		}

		got, _ := s.Get(caID, "counter", "serial")
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("PutCAS version mismatch", func(t *testing.T) {
		s.Put(caID, "counter", "crl_number", &storage.Record{Data: []byte(`{"value":5}`), Version: 5})

		err := s.PutCAS(caID, "counter", "crl_number", 3, &storage.Record{Data: []byte(`{"value":6}`), Version: 6})
		if err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("PutCAS non-zero on missing record", func(t *testing.T) {
		err := s.PutCAS(caID, "counter", "missing", 1, &storage.Record{Data: []byte(`{}`), Version: 1})
		if err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed for non-zero version on missing record, got %v", err)
		}
	})

	t.Run("Get Errors", func(t *testing.T) {
		_, err := s.Get("nonexistent-ca", recordType, recordID)
		if !errors.Is(err, storage.ErrAuthorityNotFound) {
			t.Errorf("expected ErrAuthorityNotFound for nonexistent CA, got %v", err)
		}

		_, err = s.Get(caID, recordType, "nonexistent-record")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for nonexistent record, got %v", err)
		}
	})

	t.Run("List Nonexistent CA", func(t *testing.T) {
		ids, err := s.List("nonexistent-ca", recordType)
		if err != nil {
			t.Errorf("expected no error for nonexistent CA in List, got %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected 0 ids, got %d", len(ids))
		}
	})

	t.Run("List handles non-matching shorter keys without panic", func(t *testing.T) {
		err := s.Put(caID, "Z", "", rec)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("List panicked: %v", r)
			}
		}()

		ids, err := s.List(caID, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, id := range ids {
			if id == "" {
				t.Fatal("unexpected empty record ID from non-matching key prefix")
			}
		}
	})

	t.Run("ListAuthorities skips internal buckets", func(t *testing.T) {
		if err := s.Put("issuing-ca", "ledger", "1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := NewWatermarks(db); err != nil {
			t.Fatalf("NewWatermarks failed: %v", err)
		}

		ids, err := s.ListAuthorities()
		if err != nil {
			t.Fatalf("ListAuthorities failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "issuing-ca" || ids[1] != "root-ca" {
			t.Errorf("expected [issuing-ca root-ca], got %v", ids)
		}
	})
}

func TestNewRepositoryFromFile(t *testing.T) {
	f, err := os.CreateTemp("", "bbolt-file-test-*.db")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	repo, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	defer repo.Close()

	if repo.DB() == nil {
		t.Error("repo.db is nil")
	}

	// Test failure (invalid path)
	_, err = NewRepositoryFromFile("/nonexistent/path/to/db", nil)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestNewRepositoryFromFileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	repo, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	defer repo.Close()

	_, err = NewRepositoryFromFile(path, &bbolt.Options{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for a held database, got %v", err)
	}
	_, err = NewWatermarksFromFile(path, &bbolt.Options{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for held watermarks, got %v", err)
	}
}

func TestBBoltBatch(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	s := NewRepository(db)
	caID := "root-ca"

	t.Run("atomic batch write", func(t *testing.T) {
		err := s.Batch(caID, func(tx storage.BatchTx) error {
			if err := tx.Put("ledger", "1", &storage.Record{Data: []byte("a")}); err != nil {
				return err
			}
			if err := tx.PutCAS("counter", "ledger_head", 0, &storage.Record{Data: []byte("b"), Version: 1}); err != nil {
				return err
			}
			head, err := tx.Get("counter", "ledger_head")
			if err != nil {
				return err
			}
			return tx.PutCAS("counter", "ledger_head", head.Version, &storage.Record{Data: []byte("c"), Version: 2})
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		got1, err := s.Get(caID, "ledger", "1")
		if err != nil {
			t.Fatalf("Get ledger/1 failed: %v", err)
		}
		if string(got1.Data) != "a" {
			t.Errorf("expected data 'a', got %q", string(got1.Data))
		}

		got2, err := s.Get(caID, "counter", "ledger_head")
		if err != nil {
			t.Fatalf("Get counter/ledger_head failed: %v", err)
		}
		if string(got2.Data) != "c" || got2.Version != 2 {
			t.Errorf("expected data 'c' at version 2, got %q at %d", string(got2.Data), got2.Version)
		}
	})

	t.Run("batch rollback on error", func(t *testing.T) {
		err := s.Batch(caID, func(tx storage.BatchTx) error {
			tx.Put("ledger", "rollback-test", &storage.Record{Data: []byte("should-not-exist")})
			return storage.ErrCASFailed
		})
		if err != storage.ErrCASFailed {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}

		_, err = s.Get(caID, "ledger", "rollback-test")
		if err == nil {
			t.Error("expected record to not exist after rollback")
		}
	})
}

func TestBoltWatermarks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "watermarks.db")

	marks, err := NewWatermarksFromFile(dbPath, nil)
	if err != nil {
		t.Fatalf("NewWatermarksFromFile failed: %v", err)
	}

	if err := marks.Advance("ca1", "serial", 10); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := marks.Advance("ca2", "crl_number", 20); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := marks.Seen("ca1", "serial"); got != 10 {
		t.Errorf("expected 10, got %d", got)
	}

	// Persistence across reopen.
	if err := marks.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	marks2, err := NewWatermarksFromFile(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer marks2.Close()

	if got := marks2.Seen("ca1", "serial"); got != 10 {
		t.Errorf("expected 10 after reopen, got %d", got)
	}
	if got := marks2.Seen("ca2", "crl_number"); got != 20 {
		t.Errorf("expected 20 after reopen, got %d", got)
	}

	err = marks2.Advance("ca1", "serial", 9)
	if _, ok := errors.AsType[storage.RollbackError](err); !ok {
		t.Fatalf("expected RollbackError, got %v", err)
	}

	if err := marks2.Advance("ca1", "serial", 11); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := marks2.Seen("ca1", "serial"); got != 11 {
		t.Errorf("expected 11, got %d", got)
	}
}
