package memory

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/jmcleod/ironca/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	caID := "root-ca"
	recordType := "ledger"
	recordID := "00000000000000000001"
	rec := &storage.Record{
		Data:    []byte(`{"type":"issued","serial":"0a"}`),
		Version: 1,
	}

	t.Run("PutAndGet", func(t *testing.T) {
		err := repo.Put(caID, recordType, recordID, rec)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(caID, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if !bytes.Equal(got.Data, rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		// Test isolation (cloning)
		got.Data[0] = 'X'
		got2, _ := repo.Get(caID, recordType, recordID)
		if got2.Data[0] == 'X' {
			t.Error("Memory repository should return clones of records")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("nonexistent", recordType, recordID)
		if !errors.Is(err, storage.ErrAuthorityNotFound) {
			t.Errorf("Get with nonexistent CA should fail with ErrAuthorityNotFound, got %v", err)
		}

		_, err = repo.Get(caID, recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Get with nonexistent record should fail with ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo.Put(caID, "ledger", "00000000000000000002", rec)
		repo.Put(caID, "counter", "serial", rec)

		ids, err := repo.List(caID, "ledger")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "00000000000000000001" {
			t.Errorf("Expected 2 ledger IDs, got %d: %v", len(ids), ids)
		}

		ids, _ = repo.List("nonexistent", "ledger")
		if len(ids) != 0 {
			t.Errorf("Expected 0 IDs for nonexistent CA, got %d", len(ids))
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := NewRepository()
		rec1 := &storage.Record{Data: []byte(`1`), Version: 1}
		rec2 := &storage.Record{Data: []byte(`2`), Version: 2}

		// Create-only (expectedVersion = 0)
		err := repo.PutCAS(caID, "counter", "serial", 0, rec1)
		if err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}

		// Create-only on an existing record
		err = repo.PutCAS(caID, "counter", "serial", 0, rec1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Version mismatch on create
		err = repo.PutCAS(caID, "other", "id", 1, rec1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Version match update
		err = repo.PutCAS(caID, "counter", "serial", 1, rec2)
		if err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}

		// Version mismatch update
		err = repo.PutCAS(caID, "counter", "serial", 1, rec1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		repo := NewRepository()

		// Successful batch
		err := repo.Batch(caID, func(tx storage.BatchTx) error {
			if err := tx.Put("ledger", "1", rec); err != nil {
				return err
			}
			if _, err := tx.Get("ledger", "1"); err != nil {
				return err
			}
			return tx.PutCAS("ledger", "2", 0, rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		if _, err := repo.Get(caID, "ledger", "1"); err != nil {
			t.Error("Record 1 should exist after batch")
		}

		// Failing batch (rollback)
		err = repo.Batch(caID, func(tx storage.BatchTx) error {
			tx.Put("ledger", "3", rec)
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Error("Expected error from Batch, got nil")
		}

		if _, err := repo.Get(caID, "ledger", "3"); err == nil {
			t.Error("Record 3 should NOT exist after failed batch")
		}

		// Rollback with pre-existing data
		err = repo.Batch(caID, func(tx storage.BatchTx) error {
			tx.Put("ledger", "1", &storage.Record{Data: []byte(`changed`), Version: 2})
			return fmt.Errorf("simulated error")
		})
		got, _ := repo.Get(caID, "ledger", "1")
		if got.Version != 1 {
			t.Errorf("Expected Version 1 after rollback, got %d", got.Version)
		}
	})
}
