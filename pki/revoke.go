package pki

import (
	"context"
	"math/big"
	"time"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
)

// MaxRevocationSkew is how far in the future a revocation time may lie,
// to absorb clock differences between the caller and the engine.
const MaxRevocationSkew = time.Minute

// RevokeRequest revokes one certificate. A zero At means now. At is kept
// at full precision in the ledger; CRL and OCSP encodings carry whole
// seconds.
type RevokeRequest struct {
	Serial         *big.Int
	Reason         Reason
	At             time.Time
	InvalidityDate *time.Time
}

// Revoke records the revocation of a serial issued by caID. Revoking again
// with the same reason is a no-op; with a different reason only the reason
// changes, never the revocation time.
func (e *Engine) Revoke(ctx context.Context, caID string, req RevokeRequest) (RevocationEntry, error) {
	if err := ctx.Err(); err != nil {
		return RevocationEntry{}, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return RevocationEntry{}, err
	}
	if req.Serial == nil || req.Serial.Sign() <= 0 {
		return RevocationEntry{}, caerr.New(caerr.KindUnknownSerial, "serial", "serial must be positive")
	}

	now := e.clock()
	at := req.At.UTC()
	if req.At.IsZero() {
		at = now
	}
	if limit := e.now().UTC().Add(MaxRevocationSkew); at.After(limit) {
		return RevocationEntry{}, caerr.New(caerr.KindValidityOutOfRange, "revoked_at",
			"revocation time %s is in the future", at.Format(time.RFC3339Nano))
	}
	if req.InvalidityDate != nil && req.InvalidityDate.After(at) {
		return RevocationEntry{}, caerr.New(caerr.KindInvalidRevocationReason, "invalidity_date",
			"invalidity date %s is after revocation time %s", req.InvalidityDate.Format(time.RFC3339), at.Format(time.RFC3339))
	}

	entry, changed, err := a.ledger.revoke(req.Serial, req.Reason, at, req.InvalidityDate, now)
	if err != nil {
		return RevocationEntry{}, err
	}
	if changed {
		e.metrics.revocationInc(caID, entry.Reason)
		e.log.Info("certificate revoked", "ca", caID, "serial", util.FormatSerial(req.Serial),
			"reason", entry.Reason.String(), "revoked_at", entry.RevokedAt)
	} else {
		e.log.V(1).Info("revocation already recorded", "ca", caID, "serial", util.FormatSerial(req.Serial))
	}
	return entry, nil
}

// Status returns the ledger status of serial under caID.
func (e *Engine) Status(ctx context.Context, caID string, serial *big.Int) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return Status{}, err
	}
	if err := a.ledger.Refresh(); err != nil {
		return Status{}, err
	}
	if serial == nil {
		return Status{Generation: a.ledger.Generation()}, nil
	}
	return a.ledger.Status(serial), nil
}
