package pki

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/storage"
)

var oidInvalidityDate = asn1.ObjectIdentifier{2, 5, 29, 24}

const maxCRLNumberAttempts = 8

// CRLOptions controls a CRL build.
type CRLOptions struct {
	// Force signs a new CRL even if the cached one is still current.
	Force bool
	// RetentionHorizon drops entries whose certificate expired more than
	// this long ago. Zero keeps every entry.
	RetentionHorizon time.Duration
}

// CRL is a signed certificate revocation list.
type CRL struct {
	DER        []byte
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    int
}

func crlFromRecord(rec *crlRecord) (*CRL, error) {
	number, ok := new(big.Int).SetString(rec.Number, 10)
	if !ok {
		return nil, fmt.Errorf("cached CRL has invalid number %q", rec.Number)
	}
	return &CRL{
		DER:        append([]byte(nil), rec.DER...),
		Number:     number,
		ThisUpdate: rec.ThisUpdate,
		NextUpdate: rec.NextUpdate,
		Entries:    rec.Entries,
	}, nil
}

// BuildCRL returns a CRL covering every revocation recorded by caID.
//
// While the ledger is unchanged and less than half of the CRL validity has
// elapsed, the previously signed CRL is returned byte for byte. Otherwise
// the CRL number is advanced before signing, so a number is never reused
// even if signing fails.
func (e *Engine) BuildCRL(ctx context.Context, caID string, opts CRLOptions) (*CRL, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	if opts.RetentionHorizon < 0 {
		return nil, caerr.New(caerr.KindValidityOutOfRange, "retention_horizon", "retention horizon must not be negative")
	}

	a.crlMu.Lock()
	defer a.crlMu.Unlock()

	if err := a.ledger.Refresh(); err != nil {
		return nil, err
	}
	stored, err := e.store.loadCRL(a.id)
	if err != nil {
		return nil, err
	}
	if newerCRL(stored, a.lastCRL) {
		a.lastCRL = stored
	}
	now := e.clock()
	snap := a.ledger.Snapshot()
	if last := a.lastCRL; !opts.Force && last != nil &&
		last.Revision == snap.Revision &&
		last.Horizon == opts.RetentionHorizon &&
		now.Before(last.ThisUpdate.Add(a.cfg.CRLValidity/2)) {
		return crlFromRecord(last)
	}

	entries := make([]x509.RevocationListEntry, 0, len(snap.Entries))
	pruned := 0
	for _, r := range snap.Entries {
		if opts.RetentionHorizon > 0 && !r.NotAfter.IsZero() && r.NotAfter.Before(now.Add(-opts.RetentionHorizon)) {
			pruned++
			continue
		}
		entry := x509.RevocationListEntry{
			SerialNumber:   r.Serial,
			RevocationTime: r.RevokedAt.Truncate(time.Second),
			ReasonCode:     int(r.Reason),
		}
		if r.InvalidityDate != nil {
			ext, err := invalidityDateExtension(*r.InvalidityDate)
			if err != nil {
				return nil, err
			}
			entry.ExtraExtensions = []pkix.Extension{ext}
		}
		entries = append(entries, entry)
	}

	number, err := e.nextCRLNumber(a)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(a.cfg.CRLValidity),
	}
	signer := &trackingSigner{Signer: a.signer}
	der, err := x509.CreateRevocationList(e.rand, tmpl, a.cert, signer)
	if err != nil {
		if cause := signer.failure(); cause != nil {
			return nil, caerr.Wrap(caerr.KindSigningFailed, "signer", cause)
		}
		return nil, caerr.Wrap(caerr.KindSigningFailed, "crl", err)
	}

	rec := crlRecord{
		DER:        der,
		Number:     number.String(),
		ThisUpdate: tmpl.ThisUpdate,
		NextUpdate: tmpl.NextUpdate,
		Revision:   snap.Revision,
		Horizon:    opts.RetentionHorizon,
		Entries:    len(entries),
	}
	if err := e.store.saveCRL(a.id, rec); err != nil {
		return nil, err
	}
	a.lastCRL = &rec

	e.metrics.crlBuilt(a.id, float64(number.Uint64()))
	e.log.Info("CRL signed", "ca", a.id, "crl_number", number.String(),
		"entries", len(entries), "pruned", pruned, "next_update", tmpl.NextUpdate)
	return crlFromRecord(&rec)
}

// LatestCRL returns the most recently signed CRL of caID, or ErrNoCRL.
func (e *Engine) LatestCRL(ctx context.Context, caID string) (*CRL, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	a.crlMu.Lock()
	defer a.crlMu.Unlock()
	stored, err := e.store.loadCRL(caID)
	if err != nil {
		return nil, err
	}
	if newerCRL(stored, a.lastCRL) {
		a.lastCRL = stored
	}
	if a.lastCRL == nil {
		return nil, ErrNoCRL
	}
	return crlFromRecord(a.lastCRL)
}

// newerCRL reports whether candidate carries a higher CRL number than
// current. Another process sharing the store may have signed it.
func newerCRL(candidate, current *crlRecord) bool {
	if candidate == nil {
		return false
	}
	if current == nil {
		return true
	}
	c, ok1 := new(big.Int).SetString(candidate.Number, 10)
	n, ok2 := new(big.Int).SetString(current.Number, 10)
	return ok1 && ok2 && c.Cmp(n) > 0
}

func (e *Engine) nextCRLNumber(a *authority) (*big.Int, error) {
	for range maxCRLNumberAttempts {
		value, version, err := e.store.Counter(a.id, counterCRLNumber)
		if err != nil {
			return nil, err
		}
		next := value + 1
		if err := e.store.SwapCounter(a.id, counterCRLNumber, version, next); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				continue
			}
			return nil, err
		}
		return new(big.Int).SetUint64(next), nil
	}
	return nil, fmt.Errorf("%s: CRL number is contended", a.id)
}

func invalidityDateExtension(t time.Time) (pkix.Extension, error) {
	value, err := asn1.MarshalWithParams(t.UTC(), "generalized")
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding invalidity date: %w", err)
	}
	return pkix.Extension{Id: oidInvalidityDate, Value: value}, nil
}
