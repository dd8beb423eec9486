package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftware/chatbridge/pkg/accounts"
)

type metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	selections *prometheus.CounterVec
	cooldowns  *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_requests_total",
			Help: "Chat completion requests by outcome.",
		}, []string{"outcome"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_account_selections_total",
			Help: "Successful account selections by account.",
		}, []string{"account"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_account_cooldowns_total",
			Help: "Cooldowns applied to pool accounts by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.requests, m.selections, m.cooldowns)
	return m
}

func (m *metrics) handler() http.HandlerFunc {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP
}

func (m *metrics) observeRequest(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *metrics) observeSelection(account string) {
	m.selections.WithLabelValues(account).Inc()
}

func (m *metrics) observePoolEvent(ev accounts.Event) {
	if ev.Type == accounts.EventCooldownSet {
		m.cooldowns.WithLabelValues(ev.Reason).Inc()
	}
}
