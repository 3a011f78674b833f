// Package storage provides the persistence boundary for certificate
// authority state: ledger events, counters and serial reservations, all
// scoped to a CA identifier.
package storage

import "errors"

var (
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAuthorityNotFound is returned when no record at all exists for a CA.
	ErrAuthorityNotFound = errors.New("authority not found")
)

// BatchTx provides Get, Put and PutCAS within an atomic transaction.
// The caID is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Record, error)
	Put(recordType string, recordID string, record *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
}

// Repository defines the interface for CA record storage. Records are never
// deleted: the revocation ledger is append-only and counters only advance.
//
// PutCAS with expectedVersion 0 is create-only. Otherwise the stored record's
// Version must equal expectedVersion; the caller supplies the new Version on
// record.
type Repository interface {
	Put(caID string, recordType string, recordID string, record *Record) error
	Get(caID string, recordType string, recordID string) (*Record, error)
	List(caID string, recordType string) ([]string, error)
	PutCAS(caID string, recordType string, recordID string, expectedVersion uint64, record *Record) error
	Batch(caID string, fn func(tx BatchTx) error) error
}

// AuthorityLister is implemented by backends that can enumerate the CAs
// they hold records for.
type AuthorityLister interface {
	ListAuthorities() ([]string, error)
}
