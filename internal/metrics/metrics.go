// Package metrics holds the prometheus collectors for session, refresh and
// transport outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tenantauth"

// Refresh outcomes.
const (
	RefreshFresh       = "fresh"
	RefreshRenewed     = "renewed"
	RefreshRejected    = "rejected"
	RefreshUnavailable = "unavailable"
	RefreshExpired     = "expired"
	RefreshMissing     = "missing"
)

type Metrics struct {
	refreshes   *prometheus.CounterVec
	exchanges   prometheus.Counter
	storeErrors *prometheus.CounterVec
	requests    *prometheus.CounterVec
	cache       *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// New builds the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_resolutions_total",
			Help:      "Access token resolutions by outcome.",
		}, []string{"outcome"}),
		exchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_exchanges_total",
			Help:      "Refresh exchanges sent to tenant backends.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Credential store failures by operation.",
		}, []string{"op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound tenant requests by result.",
		}, []string{"result"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_lookups_total",
			Help:      "Per-tenant response cache lookups.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently loaded in the registry.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.refreshes, m.exchanges, m.storeErrors, m.requests, m.cache, m.sessions)
	}
	return m
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Exchange() {
	if m == nil {
		return
	}
	m.exchanges.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Request(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// SessionsGauge exposes the loaded-sessions gauge for tests and exporters.
func (m *Metrics) SessionsGauge() prometheus.Gauge {
	return m.sessions
}
