package api

import (
	"math/big"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

// ErrorResponse is returned for all error cases. Kind and Field are set for
// classified engine errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

// AuthorityResponse describes a CA certificate.
type AuthorityResponse struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// StatusResponse is the ledger status of one serial.
type StatusResponse struct {
	Serial         string     `json:"serial"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	InvalidityDate *time.Time `json:"invalidity_date,omitempty"`
	Generation     uint64     `json:"generation"`
}

func newStatusResponse(serial *big.Int, st pki.Status) StatusResponse {
	resp := StatusResponse{
		Serial:     util.FormatSerial(serial),
		Status:     st.Kind.String(),
		Generation: st.Generation,
	}
	if st.Kind == pki.StatusRevoked {
		at := st.RevokedAt
		resp.RevokedAt = &at
		resp.Reason = st.Reason.String()
		resp.InvalidityDate = st.InvalidityDate
	}
	return resp
}
