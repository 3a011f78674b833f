package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironca/caerr"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeKindError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Kind:  string(caerr.KindOf(err)),
		Field: caerr.FieldOf(err),
	})
}

func mapError(w http.ResponseWriter, err error) {
	var rollback storage.RollbackError
	switch {
	case errors.Is(err, pki.ErrNoCRL):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rollback):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, caerr.ErrUnknownAuthority), errors.Is(err, caerr.ErrUnknownSerial):
		writeKindError(w, http.StatusNotFound, err)
	case errors.Is(err, caerr.ErrIssuerMismatch):
		writeKindError(w, http.StatusBadRequest, err)
	case caerr.KindOf(err) != "":
		switch caerr.KindOf(err).Class() {
		case caerr.ClassParse, caerr.ClassPolicy:
			writeKindError(w, http.StatusBadRequest, err)
		case caerr.ClassTemporal:
			writeKindError(w, http.StatusServiceUnavailable, err)
		default:
			writeKindError(w, http.StatusInternalServerError, err)
		}
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
