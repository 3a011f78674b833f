package pki

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

// Record types and counter names used in the repository.
const (
	recordLedger  = "ledger"
	recordCounter = "counter"
	recordSerial  = "serial"
	recordCRL     = "crl"

	counterSerial     = "serial"
	counterCRLNumber  = "crl_number"
	counterLedgerHead = "ledger_head"

	latestCRLID = "latest"
)

// EventType identifies a ledger event.
type EventType string

const (
	EventIssued        EventType = "issued"
	EventRevoked       EventType = "revoked"
	EventReasonChanged EventType = "reason_changed"
)

// Event is one entry in an authority's append-only ledger. Time is the
// issuance time for EventIssued and the revocation time otherwise.
type Event struct {
	Seq            uint64     `json:"seq"`
	Type           EventType  `json:"type"`
	Serial         string     `json:"serial"`
	Time           time.Time  `json:"time"`
	NotAfter       time.Time  `json:"not_after,omitzero"`
	Profile        string     `json:"profile,omitempty"`
	CertificateID  string     `json:"certificate_id,omitempty"`
	Generation     uint64     `json:"generation,omitempty"`
	Reason         Reason     `json:"reason,omitempty"`
	InvalidityDate *time.Time `json:"invalidity_date,omitempty"`
	RecordedAt     time.Time  `json:"recorded_at"`
}

// SerialNumber parses the event serial.
func (e Event) SerialNumber() (*big.Int, error) {
	return util.ParseSerial(e.Serial)
}

type counterRecord struct {
	Value uint64 `json:"value"`
}

type reservationRecord struct {
	ReservedAt time.Time `json:"reserved_at"`
}

type crlRecord struct {
	DER        []byte        `json:"der"`
	Number     string        `json:"number"`
	ThisUpdate time.Time     `json:"this_update"`
	NextUpdate time.Time     `json:"next_update"`
	Revision   uint64        `json:"revision"`
	Horizon    time.Duration `json:"horizon"`
	Entries    int           `json:"entries"`
}

// Store layers the authority persistence contract on a storage.Repository:
// an append-only event log per CA, compare-and-swap counters checked
// against a high-water mark, and create-only serial reservations.
type Store struct {
	repo  storage.Repository
	marks storage.Watermarks
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithWatermarks sets the high-water mark tracker consulted on every
// counter read and write. Use a durable implementation (bbolt or postgres)
// held apart from the repository to detect a restored stale repository.
func WithWatermarks(w storage.Watermarks) StoreOption {
	return func(s *Store) { s.marks = w }
}

// NewStore returns a Store over repo.
func NewStore(repo storage.Repository, opts ...StoreOption) *Store {
	s := &Store{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	if s.marks == nil {
		s.marks = storage.NewMemoryWatermarks()
	}
	return s
}

func isAbsent(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAuthorityNotFound)
}

func ledgerID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func readCounter(get func(recordType, recordID string) (*storage.Record, error), name string) (uint64, uint64, error) {
	rec, err := get(recordCounter, name)
	if err != nil {
		if isAbsent(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("reading counter %s: %w", name, err)
	}
	var c counterRecord
	if err := rec.Decode(&c); err != nil {
		return 0, 0, fmt.Errorf("counter %s: %w", name, err)
	}
	return c.Value, rec.Version, nil
}

// Counter returns the current value and record version of a counter. A
// counter that was never written reads as zero at version zero. A value
// below the recorded high-water mark is reported as a storage.RollbackError.
func (s *Store) Counter(caID, name string) (value, version uint64, err error) {
	value, version, err = readCounter(func(t, id string) (*storage.Record, error) {
		return s.repo.Get(caID, t, id)
	}, name)
	if err != nil {
		return 0, 0, err
	}
	if err := s.marks.Advance(caID, name, value); err != nil {
		return 0, 0, err
	}
	return value, version, nil
}

// SwapCounter sets a counter to value if its record is still at version.
// It returns storage.ErrCASFailed when another writer got there first.
func (s *Store) SwapCounter(caID, name string, version, value uint64) error {
	if seen := s.marks.Seen(caID, name); value <= seen && seen > 0 {
		return storage.RollbackError{CAID: caID, Counter: name, Seen: seen, Got: value}
	}
	rec, err := storage.NewRecord(counterRecord{Value: value}, version+1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(caID, recordCounter, name, version, rec); err != nil {
		return fmt.Errorf("advancing counter %s: %w", name, err)
	}
	return s.marks.Advance(caID, name, value)
}

// Reserve records serial as used by caID. It reports false, without error,
// if the serial was already reserved.
func (s *Store) Reserve(caID string, serial *big.Int, at time.Time) (bool, error) {
	rec, err := storage.NewRecord(reservationRecord{ReservedAt: at.UTC()}, 1)
	if err != nil {
		return false, err
	}
	err = s.repo.PutCAS(caID, recordSerial, util.FormatSerial(serial), 0, rec)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrCASFailed):
		return false, nil
	default:
		return false, fmt.Errorf("reserving serial: %w", err)
	}
}

// Append writes ev at the end of caID's ledger and returns its sequence
// number. The head counter and the event are written in one batch, so a
// concurrent appender fails its CAS instead of overwriting an event.
func (s *Store) Append(caID string, ev Event) (uint64, error) {
	return s.appendEvent(caID, ev, nil)
}

// AppendAt is Append for a writer that has seen the ledger up to head. It
// fails with storage.ErrCASFailed if another writer, possibly in another
// process, appended since.
func (s *Store) AppendAt(caID string, head uint64, ev Event) (uint64, error) {
	return s.appendEvent(caID, ev, &head)
}

func (s *Store) appendEvent(caID string, ev Event, expect *uint64) (uint64, error) {
	var seq uint64
	err := s.repo.Batch(caID, func(tx storage.BatchTx) error {
		head, version, err := readCounter(tx.Get, counterLedgerHead)
		if err != nil {
			return err
		}
		if seen := s.marks.Seen(caID, counterLedgerHead); head < seen {
			return storage.RollbackError{CAID: caID, Counter: counterLedgerHead, Seen: seen, Got: head}
		}
		if expect != nil && head != *expect {
			return fmt.Errorf("ledger head is %d, writer saw %d: %w", head, *expect, storage.ErrCASFailed)
		}
		seq = head + 1
		ev.Seq = seq

		headRec, err := storage.NewRecord(counterRecord{Value: seq}, version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordCounter, counterLedgerHead, version, headRec); err != nil {
			return fmt.Errorf("advancing ledger head: %w", err)
		}
		evRec, err := storage.NewRecord(ev, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordLedger, ledgerID(seq), 0, evRec); err != nil {
			return fmt.Errorf("writing ledger event %d: %w", seq, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.marks.Advance(caID, counterLedgerHead, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Head returns the sequence number of the last event in caID's ledger.
func (s *Store) Head(caID string) (uint64, error) {
	head, _, err := s.Counter(caID, counterLedgerHead)
	return head, err
}

// Since returns the events of caID's ledger after sequence number after,
// up to and including upTo.
func (s *Store) Since(caID string, after, upTo uint64) ([]Event, error) {
	if upTo <= after {
		return nil, nil
	}
	events := make([]Event, 0, upTo-after)
	for seq := after + 1; seq <= upTo; seq++ {
		rec, err := s.repo.Get(caID, recordLedger, ledgerID(seq))
		if err != nil {
			return nil, fmt.Errorf("reading ledger event %d: %w", seq, err)
		}
		var ev Event
		if err := rec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("ledger event %d: %w", seq, err)
		}
		if ev.Seq != seq {
			return nil, fmt.Errorf("ledger event %d: sequence mismatch", seq)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Load returns caID's ledger in sequence order. An authority with no
// records has an empty ledger.
func (s *Store) Load(caID string) ([]Event, error) {
	ids, err := s.repo.List(caID, recordLedger)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	sort.Strings(ids)

	events := make([]Event, 0, len(ids))
	for i, id := range ids {
		rec, err := s.repo.Get(caID, recordLedger, id)
		if err != nil {
			return nil, fmt.Errorf("reading ledger event %s: %w", id, err)
		}
		var ev Event
		if err := rec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("ledger event %s: %w", id, err)
		}
		seq, err := strconv.ParseUint(id, 10, 64)
		if err != nil || seq != ev.Seq {
			return nil, fmt.Errorf("ledger event %s: sequence mismatch", id)
		}
		if ev.Seq != uint64(i+1) {
			return nil, fmt.Errorf("ledger gap before event %d", ev.Seq)
		}
		events = append(events, ev)
	}
	if n := uint64(len(events)); n > 0 {
		if err := s.marks.Advance(caID, counterLedgerHead, n); err != nil {
			return nil, err
		}
	} else if seen := s.marks.Seen(caID, counterLedgerHead); seen > 0 {
		return nil, storage.RollbackError{CAID: caID, Counter: counterLedgerHead, Seen: seen, Got: 0}
	}
	return events, nil
}

func (s *Store) saveCRL(caID string, rec crlRecord) error {
	r, err := storage.NewRecord(rec, 0)
	if err != nil {
		return err
	}
	if err := s.repo.Put(caID, recordCRL, latestCRLID, r); err != nil {
		return fmt.Errorf("caching CRL: %w", err)
	}
	return nil
}

func (s *Store) loadCRL(caID string) (*crlRecord, error) {
	r, err := s.repo.Get(caID, recordCRL, latestCRLID)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading cached CRL: %w", err)
	}
	var rec crlRecord
	if err := r.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
