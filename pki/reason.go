package pki

import (
	"strconv"
	"strings"

	"github.com/jmcleod/ironca/caerr"
)

// Reason is an RFC 5280 CRLReason code.
type Reason int

const (
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonRemoveFromCRL        Reason = 8
	ReasonPrivilegeWithdrawn   Reason = 9
	ReasonAACompromise         Reason = 10
)

var reasonNames = map[Reason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

// Validate reports whether r may be recorded against a certificate.
// removeFromCRL is only meaningful in delta CRLs, which are not produced.
func (r Reason) Validate() error {
	if _, ok := reasonNames[r]; !ok || r == ReasonRemoveFromCRL {
		return caerr.New(caerr.KindInvalidRevocationReason, "reason", "%s cannot be recorded", r)
	}
	return nil
}

// ParseReason accepts a reason name in any case, with or without
// underscores ("key_compromise", "keyCompromise"), or its numeric code.
func ParseReason(s string) (Reason, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		r := Reason(n)
		return r, r.Validate()
	}
	want := strings.ToLower(strings.ReplaceAll(s, "_", ""))
	for r, name := range reasonNames {
		if strings.ToLower(name) == want {
			return r, r.Validate()
		}
	}
	return 0, caerr.New(caerr.KindInvalidRevocationReason, "reason", "unknown revocation reason %q", s)
}
