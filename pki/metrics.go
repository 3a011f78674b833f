package pki

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/ironca/caerr"
)

const metricsNamespace = "ironca"

// metrics holds the engine's collectors. A nil *metrics records nothing.
type metrics struct {
	issued      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	revocations *prometheus.CounterVec
	crlBuilds   *prometheus.CounterVec
	crlNumber   *prometheus.GaugeVec
	ocsp        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "certificates_issued_total",
			Help:      "Certificates issued, by authority and profile.",
		}, []string{"ca", "profile"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "issuance_failures_total",
			Help:      "Failed issuance requests, by authority and error kind.",
		}, []string{"ca", "kind"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "revocations_total",
			Help:      "Ledger changing revocations, by authority and reason.",
		}, []string{"ca", "reason"}),
		crlBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "crl_builds_total",
			Help:      "CRLs signed, by authority.",
		}, []string{"ca"}),
		crlNumber: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "crl_number",
			Help:      "Number of the most recently signed CRL.",
		}, []string{"ca"}),
		ocsp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ocsp_responses_total",
			Help:      "OCSP responses produced, by authority and certificate status.",
		}, []string{"ca", "status"}),
	}

	var err error
	m.issued = register(reg, m.issued, &err)
	m.failures = register(reg, m.failures, &err)
	m.revocations = register(reg, m.revocations, &err)
	m.crlBuilds = register(reg, m.crlBuilds, &err)
	m.crlNumber = register(reg, m.crlNumber, &err)
	m.ocsp = register(reg, m.ocsp, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered. The first failure is kept in errp.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if err := reg.Register(c); err != nil {
		if are, ok := errors.AsType[prometheus.AlreadyRegisteredError](err); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		if *errp == nil {
			*errp = err
		}
	}
	return c
}

func (m *metrics) issuedInc(ca, profile string) {
	if m != nil {
		m.issued.WithLabelValues(ca, profile).Inc()
	}
}

func (m *metrics) failureInc(ca string, err error) {
	if m == nil {
		return
	}
	kind := string(caerr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.failures.WithLabelValues(ca, kind).Inc()
}

func (m *metrics) revocationInc(ca string, reason Reason) {
	if m != nil {
		m.revocations.WithLabelValues(ca, reason.String()).Inc()
	}
}

func (m *metrics) crlBuilt(ca string, number float64) {
	if m != nil {
		m.crlBuilds.WithLabelValues(ca).Inc()
		m.crlNumber.WithLabelValues(ca).Set(number)
	}
}

func (m *metrics) ocspInc(ca string, status StatusKind) {
	if m != nil {
		m.ocsp.WithLabelValues(ca, status.String()).Inc()
	}
}
