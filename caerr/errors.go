// Package caerr defines the error taxonomy shared by the issuance and
// revocation packages. Every error returned across the core boundary either
// is, or wraps, an *Error carrying a Kind and the offending field so that a
// caller can render a precise message without parsing strings.
//
// Errors are matched by kind with errors.Is against the package sentinels:
//
//	if errors.Is(err, caerr.ErrMalformedCSR) { ... }
package caerr

import (
	"errors"
	"fmt"
)

// Kind identifies a failure mode.
type Kind string

const (
	KindMalformedCSR             Kind = "MalformedCSR"
	KindInvalidCSRSignature      Kind = "InvalidCSRSignature"
	KindInvalidProfileDefinition Kind = "InvalidProfileDefinition"
	KindRejectedKeyParameters    Kind = "RejectedKeyParameters"
	KindPathLengthViolation      Kind = "PathLengthViolation"
	KindOverrideNotPermitted     Kind = "OverrideNotPermitted"
	KindInvalidSubjectAltName    Kind = "InvalidSubjectAltName"
	KindValidityOutOfRange       Kind = "ValidityOutOfRange"
	KindInvalidRevocationReason  Kind = "InvalidRevocationReason"
	KindUnknownProfile           Kind = "UnknownProfile"
	KindDuplicateProfile         Kind = "DuplicateProfile"
	KindUnknownSerial            Kind = "UnknownSerial"
	KindUnknownAuthority         Kind = "UnknownAuthority"
	KindDuplicateAuthority       Kind = "DuplicateAuthority"
	KindInvalidIssuer            Kind = "InvalidIssuer"
	KindIssuerNotCurrentlyValid  Kind = "IssuerNotCurrentlyValid"
	KindSigningFailed            Kind = "SigningFailed"
	KindIssuerMismatch           Kind = "IssuerMismatch"
)

// Class groups kinds by how a caller is expected to react.
type Class string

const (
	ClassParse    Class = "parse"
	ClassPolicy   Class = "policy"
	ClassState    Class = "state"
	ClassTemporal Class = "temporal"
	ClassSigning  Class = "signing"
)

// Class returns the class of k.
func (k Kind) Class() Class {
	switch k {
	case KindMalformedCSR, KindInvalidCSRSignature:
		return ClassParse
	case KindInvalidProfileDefinition, KindRejectedKeyParameters, KindPathLengthViolation,
		KindOverrideNotPermitted, KindInvalidSubjectAltName, KindValidityOutOfRange,
		KindInvalidRevocationReason:
		return ClassPolicy
	case KindIssuerNotCurrentlyValid:
		return ClassTemporal
	case KindSigningFailed, KindIssuerMismatch:
		return ClassSigning
	default:
		return ClassState
	}
}

// Recoverable reports whether the caller can fix the input and retry.
// Parse and policy errors never leave allocator or ledger state behind.
func (k Kind) Recoverable() bool {
	c := k.Class()
	return c == ClassParse || c == ClassPolicy
}

// Error is a classified failure. Field names the input that caused it and
// may be empty when the failure is not attributable to a single field.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of field or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error with a formatted cause.
func New(kind Kind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, field string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Field: field, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FieldOf returns the offending field of the first *Error in err's chain.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// Sentinels for errors.Is.
var (
	ErrMalformedCSR             = &Error{Kind: KindMalformedCSR}
	ErrInvalidCSRSignature      = &Error{Kind: KindInvalidCSRSignature}
	ErrInvalidProfileDefinition = &Error{Kind: KindInvalidProfileDefinition}
	ErrRejectedKeyParameters    = &Error{Kind: KindRejectedKeyParameters}
	ErrPathLengthViolation      = &Error{Kind: KindPathLengthViolation}
	ErrOverrideNotPermitted     = &Error{Kind: KindOverrideNotPermitted}
	ErrInvalidSubjectAltName    = &Error{Kind: KindInvalidSubjectAltName}
	ErrValidityOutOfRange       = &Error{Kind: KindValidityOutOfRange}
	ErrInvalidRevocationReason  = &Error{Kind: KindInvalidRevocationReason}
	ErrUnknownProfile           = &Error{Kind: KindUnknownProfile}
	ErrDuplicateProfile         = &Error{Kind: KindDuplicateProfile}
	ErrUnknownSerial            = &Error{Kind: KindUnknownSerial}
	ErrUnknownAuthority         = &Error{Kind: KindUnknownAuthority}
	ErrDuplicateAuthority       = &Error{Kind: KindDuplicateAuthority}
	ErrInvalidIssuer            = &Error{Kind: KindInvalidIssuer}
	ErrIssuerNotCurrentlyValid  = &Error{Kind: KindIssuerNotCurrentlyValid}
	ErrSigningFailed            = &Error{Kind: KindSigningFailed}
	ErrIssuerMismatch           = &Error{Kind: KindIssuerMismatch}
)
