package pki

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

// StatusKind is the revocation state of a serial.
type StatusKind int

const (
	// StatusUnknown means the authority never issued the serial.
	StatusUnknown StatusKind = iota
	StatusValid
	StatusRevoked
)

func (k StatusKind) String() string {
	switch k {
	case StatusValid:
		return "valid"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Status answers a status query. Generation is the number of issuances the
// ledger had recorded when the answer was produced; Unknown is only ever
// relative to that generation.
type Status struct {
	Kind           StatusKind
	Reason         Reason
	RevokedAt      time.Time
	InvalidityDate *time.Time
	Generation     uint64
}

// RevocationEntry is a revoked certificate as recorded in the ledger.
type RevocationEntry struct {
	Serial         *big.Int
	RevokedAt      time.Time
	Reason         Reason
	InvalidityDate *time.Time
	// NotAfter is the expiry of the revoked certificate, used only for
	// retention pruning.
	NotAfter time.Time
}

type issuedEntry struct {
	issuedAt   time.Time
	notAfter   time.Time
	generation uint64
}

// Ledger is the revocation state of one authority, rebuilt from its event
// log. Reads take a shared lock; each write appends to the store before the
// in-memory state changes, so readers never observe a partial entry.
type Ledger struct {
	caID  string
	store *Store

	// writeMu serialises writers; mu guards the maps below.
	writeMu sync.Mutex
	mu      sync.RWMutex

	issued     map[string]issuedEntry
	revoked    map[string]RevocationEntry
	generation uint64
	revision   uint64
	head       uint64
}

// LoadLedger replays caID's ledger from store.
func LoadLedger(store *Store, caID string) (*Ledger, error) {
	events, err := store.Load(caID)
	if err != nil {
		return nil, fmt.Errorf("loading ledger for %s: %w", caID, err)
	}
	l := &Ledger{
		caID:    caID,
		store:   store,
		issued:  make(map[string]issuedEntry),
		revoked: make(map[string]RevocationEntry),
	}
	for _, ev := range events {
		if err := l.apply(ev); err != nil {
			return nil, fmt.Errorf("replaying ledger for %s: event %d: %w", caID, ev.Seq, err)
		}
	}
	return l, nil
}

// apply folds ev into the in-memory state. Callers hold mu for writing or
// own the ledger exclusively.
func (l *Ledger) apply(ev Event) error {
	switch ev.Type {
	case EventIssued:
		if _, dup := l.issued[ev.Serial]; dup {
			return fmt.Errorf("serial %s issued twice", ev.Serial)
		}
		l.generation++
		l.issued[ev.Serial] = issuedEntry{issuedAt: ev.Time, notAfter: ev.NotAfter, generation: l.generation}
	case EventRevoked:
		iss, ok := l.issued[ev.Serial]
		if !ok {
			return fmt.Errorf("revocation of unissued serial %s", ev.Serial)
		}
		if _, already := l.revoked[ev.Serial]; already {
			return fmt.Errorf("serial %s revoked twice", ev.Serial)
		}
		serial, err := ev.SerialNumber()
		if err != nil {
			return err
		}
		l.revoked[ev.Serial] = RevocationEntry{
			Serial:         serial,
			RevokedAt:      ev.Time,
			Reason:         ev.Reason,
			InvalidityDate: ev.InvalidityDate,
			NotAfter:       iss.notAfter,
		}
	case EventReasonChanged:
		entry, ok := l.revoked[ev.Serial]
		if !ok {
			return fmt.Errorf("reason change for unrevoked serial %s", ev.Serial)
		}
		entry.Reason = ev.Reason
		if ev.InvalidityDate != nil {
			entry.InvalidityDate = ev.InvalidityDate
		}
		l.revoked[ev.Serial] = entry
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	l.revision++
	l.head = ev.Seq
	return nil
}

// maxCommitAttempts bounds how often a writer re-reads the ledger after
// losing an append race to another process.
const maxCommitAttempts = 8

// errUnchanged is returned by a commit builder when there is nothing to
// append.
var errUnchanged = errors.New("ledger unchanged")

// refresh applies events appended to the store since this ledger last saw
// it, typically by another ironca process sharing the repository. Callers
// hold writeMu.
func (l *Ledger) refresh() error {
	head, err := l.store.Head(l.caID)
	if err != nil {
		return fmt.Errorf("reading ledger head for %s: %w", l.caID, err)
	}
	l.mu.RLock()
	seen := l.head
	l.mu.RUnlock()
	if head <= seen {
		return nil
	}
	events, err := l.store.Since(l.caID, seen, head)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		if err := l.apply(ev); err != nil {
			return fmt.Errorf("replaying ledger for %s: event %d: %w", l.caID, ev.Seq, err)
		}
	}
	return nil
}

// Refresh catches the ledger up with the store. Reads through the engine
// call it before answering, so a revocation recorded by another process
// is visible to the next CRL or OCSP answer.
func (l *Ledger) Refresh() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.refresh()
}

// commit refreshes the ledger, asks build for the event to append given the
// current state, and appends it only if no other writer moved the head in
// between. Callers hold writeMu.
func (l *Ledger) commit(build func() (Event, error)) (Event, error) {
	for range maxCommitAttempts {
		if err := l.refresh(); err != nil {
			return Event{}, err
		}
		ev, err := build()
		if err != nil {
			return Event{}, err
		}
		l.mu.RLock()
		head := l.head
		l.mu.RUnlock()

		seq, err := l.store.AppendAt(l.caID, head, ev)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return Event{}, err
		}
		ev.Seq = seq

		l.mu.Lock()
		err = l.apply(ev)
		l.mu.Unlock()
		if err != nil {
			return Event{}, err
		}
		return ev, nil
	}
	return Event{}, fmt.Errorf("ledger for %s is contended: %w", l.caID, storage.ErrCASFailed)
}

// recordIssued appends an issuance and returns the new generation.
func (l *Ledger) recordIssued(serial *big.Int, issuedAt, notAfter time.Time, profileName, certID string, now time.Time) (uint64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	ev, err := l.commit(func() (Event, error) {
		l.mu.RLock()
		gen := l.generation + 1
		l.mu.RUnlock()
		return Event{
			Type:          EventIssued,
			Serial:        util.FormatSerial(serial),
			Time:          issuedAt.UTC(),
			NotAfter:      notAfter.UTC(),
			Profile:       profileName,
			CertificateID: certID,
			Generation:    gen,
			RecordedAt:    now.UTC(),
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return ev.Generation, nil
}

// revoke records a revocation. Repeating it with the same reason changes
// nothing; a different reason is recorded but the original revocation
// time is kept. A first revocation dated before the issuance fails. It
// reports whether the ledger changed.
func (l *Ledger) revoke(serial *big.Int, reason Reason, at time.Time, invalidity *time.Time, now time.Time) (RevocationEntry, bool, error) {
	if err := reason.Validate(); err != nil {
		return RevocationEntry{}, false, err
	}
	key := util.FormatSerial(serial)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var unchanged RevocationEntry
	_, err := l.commit(func() (Event, error) {
		l.mu.RLock()
		iss, issued := l.issued[key]
		existing, revoked := l.revoked[key]
		l.mu.RUnlock()

		if !issued {
			return Event{}, caerr.New(caerr.KindUnknownSerial, "serial", "serial %s was never issued by %s", key, l.caID)
		}
		if revoked && existing.Reason == reason {
			unchanged = existing
			return Event{}, errUnchanged
		}
		ev := Event{
			Type:           EventRevoked,
			Serial:         key,
			Time:           at.UTC(),
			Reason:         reason,
			InvalidityDate: utcPtr(invalidity),
			RecordedAt:     now.UTC(),
		}
		if revoked {
			ev.Type = EventReasonChanged
			ev.Time = existing.RevokedAt
		} else if at.Before(iss.issuedAt) {
			return Event{}, caerr.New(caerr.KindValidityOutOfRange, "revoked_at",
				"revocation time %s is before serial %s was issued at %s",
				at.Format(time.RFC3339Nano), key, iss.issuedAt.Format(time.RFC3339))
		}
		return ev, nil
	})
	if errors.Is(err, errUnchanged) {
		return unchanged, false, nil
	}
	if err != nil {
		return RevocationEntry{}, false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revoked[key], true, nil
}

// Status returns the status of serial.
func (l *Ledger) Status(serial *big.Int) Status {
	key := util.FormatSerial(serial)
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Status{Generation: l.generation}
	if entry, ok := l.revoked[key]; ok {
		st.Kind = StatusRevoked
		st.Reason = entry.Reason
		st.RevokedAt = entry.RevokedAt
		st.InvalidityDate = entry.InvalidityDate
		return st
	}
	if _, ok := l.issued[key]; ok {
		st.Kind = StatusValid
	}
	return st
}

// LedgerSnapshot is a consistent view of the revoked set.
type LedgerSnapshot struct {
	// Revision counts the events applied; equal revisions mean equal state.
	Revision   uint64
	Generation uint64
	// Entries are sorted by serial.
	Entries []RevocationEntry
}

// Snapshot copies the revoked set under the read lock.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.RLock()
	snap := LedgerSnapshot{
		Revision:   l.revision,
		Generation: l.generation,
		Entries:    make([]RevocationEntry, 0, len(l.revoked)),
	}
	for _, e := range l.revoked {
		e.Serial = new(big.Int).Set(e.Serial)
		e.InvalidityDate = utcPtr(e.InvalidityDate)
		snap.Entries = append(snap.Entries, e)
	}
	l.mu.RUnlock()

	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Serial.Cmp(snap.Entries[j].Serial) < 0
	})
	return snap
}

// Generation returns the number of issuances recorded.
func (l *Ledger) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// Issued reports whether serial was issued by this authority.
func (l *Ledger) Issued(serial *big.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.issued[util.FormatSerial(serial)]
	return ok
}

// Verify re-reads the stored log and checks that it replays to the same
// state as the in-memory ledger.
func (l *Ledger) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.Refresh(); err != nil {
		return err
	}
	fresh, err := LoadLedger(l.store, l.caID)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fresh.revision != l.revision || fresh.generation != l.generation || len(fresh.revoked) != len(l.revoked) {
		return fmt.Errorf("ledger for %s diverged from store: revision %d/%d generation %d/%d",
			l.caID, l.revision, fresh.revision, l.generation, fresh.generation)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
