package pki

import (
	"bytes"
	"context"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/internal/util"
)

// RespondOCSP returns a signed OCSP response for serial. A serial the
// authority never issued is answered Unknown, never Good.
func (e *Engine) RespondOCSP(ctx context.Context, caID string, serial *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	if serial == nil {
		return nil, caerr.New(caerr.KindUnknownSerial, "serial", "no serial")
	}
	return e.respond(a, serial)
}

// RespondOCSPRequest answers a DER-encoded RFC 6960 request. A request that
// cannot be parsed is answered with the malformedRequest response and no
// error. A request naming a different issuer fails with IssuerMismatch.
func (e *Engine) RespondOCSPRequest(ctx context.Context, caID string, der []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := e.authority(caID)
	if err != nil {
		return nil, err
	}
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		e.log.V(1).Info("malformed OCSP request", "ca", caID, "error", err.Error())
		return append([]byte(nil), ocsp.MalformedRequestErrorResponse...), nil
	}
	if err := matchOCSPIssuer(a, req); err != nil {
		return nil, err
	}
	return e.respond(a, req.SerialNumber)
}

func matchOCSPIssuer(a *authority, req *ocsp.Request) error {
	if !req.HashAlgorithm.Available() {
		return caerr.New(caerr.KindIssuerMismatch, "hash_algorithm", "unsupported issuer hash algorithm %v", req.HashAlgorithm)
	}
	keyBits, err := spkiKeyBits(a.cert.RawSubjectPublicKeyInfo)
	if err != nil {
		return err
	}
	h := req.HashAlgorithm.New()
	h.Write(a.cert.RawSubject)
	nameHash := h.Sum(nil)
	h.Reset()
	h.Write(keyBits)
	keyHash := h.Sum(nil)

	if !bytes.Equal(nameHash, req.IssuerNameHash) || !bytes.Equal(keyHash, req.IssuerKeyHash) {
		return caerr.New(caerr.KindIssuerMismatch, "issuer", "request names a different issuer than %s", a.id)
	}
	return nil
}

// respond signs a single response. thisUpdate and nextUpdate follow the
// engine clock; producedAt is stamped by ocsp.CreateResponse from the wall
// clock, truncated to the minute, and is not affected by WithClock.
func (e *Engine) respond(a *authority, serial *big.Int) ([]byte, error) {
	if err := a.ledger.Refresh(); err != nil {
		return nil, err
	}
	now := e.clock()
	st := a.ledger.Status(serial)

	tmpl := ocsp.Response{
		SerialNumber: serial,
		ThisUpdate:   now,
	}
	if a.cfg.OCSPValidity > 0 {
		tmpl.NextUpdate = now.Add(a.cfg.OCSPValidity)
	}
	switch st.Kind {
	case StatusValid:
		tmpl.Status = ocsp.Good
	case StatusRevoked:
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = st.RevokedAt.Truncate(time.Second)
		tmpl.RevocationReason = int(st.Reason)
	default:
		tmpl.Status = ocsp.Unknown
	}

	signer := &trackingSigner{Signer: a.signer}
	der, err := ocsp.CreateResponse(a.cert, a.cert, tmpl, signer)
	if err != nil {
		if cause := signer.failure(); cause != nil {
			return nil, caerr.Wrap(caerr.KindSigningFailed, "signer", cause)
		}
		return nil, caerr.Wrap(caerr.KindSigningFailed, "ocsp", err)
	}

	e.metrics.ocspInc(a.id, st.Kind)
	e.log.V(1).Info("OCSP response signed", "ca", a.id, "serial", util.FormatSerial(serial),
		"status", st.Kind.String(), "generation", st.Generation)
	return der, nil
}
