// Package api serves the read side of the certificate authority over HTTP:
// CA certificates, CRLs, OCSP and serial status. Issuance and revocation
// are not exposed here; they go through the ironca command.
package api

import (
	"context"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/pki"
)

// maxOCSPRequestSize bounds POSTed OCSP requests. Real requests are a few
// hundred bytes.
const maxOCSPRequestSize = 16 << 10

// Engine is the part of *pki.Engine the handlers use.
type Engine interface {
	Authorities() []string
	Certificate(caID string) (*x509.Certificate, error)
	Status(ctx context.Context, caID string, serial *big.Int) (pki.Status, error)
	LatestCRL(ctx context.Context, caID string) (*pki.CRL, error)
	BuildCRL(ctx context.Context, caID string, opts pki.CRLOptions) (*pki.CRL, error)
	RespondOCSPRequest(ctx context.Context, caID string, der []byte) ([]byte, error)
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	engine  Engine
	log     logr.Logger
	metrics *metrics
	now     func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// docsCSP lets the documentation pages load their bundles from the CDN.
const docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net https://unpkg.com; " +
	"style-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net https://unpkg.com https://fonts.googleapis.com; " +
	"font-src https://fonts.gstatic.com; img-src 'self' data: https:; worker-src blob:; connect-src 'self'"

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the request logger. The default discards.
func WithLogger(log logr.Logger) Option {
	return func(a *API) { a.log = log }
}

// WithRegisterer registers request metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) { a.metrics = newMetrics(reg) }
}

// New creates a new API instance.
func New(engine Engine, opts ...Option) *API {
	a := &API{
		engine: engine,
		log:    logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.metrics.instrument)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, "text/yaml", openapiSpec)
	})

	r.Handle("/docs", withCSP(docsCSP, middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil)))

	r.Handle("/redoc", withCSP(docsCSP, middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil)))

	r.Get("/ca", a.ListAuthorities)
	r.Route("/ca/{caID}", func(r chi.Router) {
		r.Get("/", a.GetAuthority)
		r.Get("/certificate", a.GetCertificate)
		r.Get("/status/{serial}", a.GetStatus)
	})

	r.Get("/crl/{caID}", a.GetCRL)

	r.Post("/ocsp/{caID}", a.PostOCSP)
	r.Get("/ocsp/{caID}/*", a.GetOCSP)

	return r
}

// ListAuthorities describes every registered authority.
func (a *API) ListAuthorities(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	out := make([]AuthorityResponse, 0)
	for _, id := range a.engine.Authorities() {
		cert, err := a.engine.Certificate(id)
		if err != nil {
			mapError(w, err)
			return
		}
		out = append(out, AuthorityResponse{ID: id, Fields: pki.Describe(cert, now)})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAuthority describes one authority.
func (a *API) GetAuthority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "caID")
	cert, err := a.engine.Certificate(id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthorityResponse{ID: id, Fields: pki.Describe(cert, a.now())})
}

// GetCertificate returns the authority certificate, DER by default or PEM
// with ?format=pem.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.engine.Certificate(chi.URLParam(r, "caID"))
	if err != nil {
		mapError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "pem" {
		writeBody(w, "application/x-pem-file", pki.EncodeCertificatePEM(cert.Raw))
		return
	}
	writeBody(w, "application/pkix-cert", cert.Raw)
}

// GetStatus reports the ledger status of a hex serial.
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	serial, err := util.ParseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := a.engine.Status(r.Context(), chi.URLParam(r, "caID"), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(serial, st))
}

// GetCRL returns the latest CRL, building one if none exists yet.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "caID")
	crl, err := a.engine.LatestCRL(r.Context(), id)
	if errors.Is(err, pki.ErrNoCRL) {
		crl, err = a.engine.BuildCRL(r.Context(), id, pki.CRLOptions{})
	}
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Last-Modified", crl.ThisUpdate.UTC().Format(http.TimeFormat))
	w.Header().Set("Expires", crl.NextUpdate.UTC().Format(http.TimeFormat))
	writeBody(w, "application/pkix-crl", crl.DER)
}

// PostOCSP answers a DER request body (RFC 6960 A.1).
func (a *API) PostOCSP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOCSPRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > maxOCSPRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge, "OCSP request too large")
		return
	}
	a.respondOCSP(w, r, body)
}

// GetOCSP answers a request carried base64 encoded in the path.
func (a *API) GetOCSP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	// Some clients send the base64 with spaces where '+' was.
	raw = strings.ReplaceAll(raw, " ", "+")
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Passed on so the engine answers malformedRequest.
		der = nil
	}
	a.respondOCSP(w, r, der)
}

func (a *API) respondOCSP(w http.ResponseWriter, r *http.Request, der []byte) {
	id := chi.URLParam(r, "caID")
	resp, err := a.engine.RespondOCSPRequest(r.Context(), id, der)
	if err != nil {
		a.log.V(1).Info("OCSP request rejected", "ca", id, "error", err.Error())
		mapError(w, err)
		return
	}
	writeBody(w, "application/ocsp-response", resp)
}

func withCSP(policy string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", policy)
		next.ServeHTTP(w, r)
	})
}

func writeBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
