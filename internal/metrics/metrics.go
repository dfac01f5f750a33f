package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vtu_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// Ledger
	LedgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vtu_ledger_entries_total",
			Help: "Ledger entries written",
		},
		[]string{"kind"}, // credit|debit
	)

	// Settlement
	Purchases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vtu_purchases_total",
			Help: "Purchases by service and terminal outcome",
		},
		[]string{"service", "outcome"}, // success|refunded|rejected
	)
	Refunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vtu_refunds_total",
			Help: "Refund credits issued after a failed provider call",
		},
	)

	// Reconciliation
	Webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vtu_webhooks_total",
			Help: "Payment webhooks by result",
		},
		[]string{"result"},
	)
)

// Handler serves /metrics.
var Handler = promhttp.Handler

var once sync.Once

// Init registers the collectors with the default registry. Safe to call twice.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(RequestsTotal)
		prometheus.MustRegister(LedgerEntries)
		prometheus.MustRegister(Purchases)
		prometheus.MustRegister(Refunds)
		prometheus.MustRegister(Webhooks)
	})
}
