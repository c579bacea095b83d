// Package metrics – Prometheus metrics for observability.
//
// Primary metrics the engine updates during operation:
//   - desk_orders_total{mode,side}            – orders placed (mode: paper|live)
//   - desk_order_fills_total{provider}        – orders confirmed FILLED
//   - desk_preflight_blocks_total{reason}     – preflight BLOCKED results by reason code
//   - desk_metadata_401_total                 – 401s from the product metadata endpoint
//   - desk_metadata_fallbacks_total{source}   – rule resolutions served below the live tier
//   - desk_catalog_refresh_timestamp          – unix time of the last catalog refresh
//   - desk_runs_total{status}                 – runs reaching a terminal status
//   - desk_reasoner_fallbacks_total           – advisor calls served by the template
//
// Registered in init() and served at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	OrderFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_order_fills_total",
			Help: "Orders confirmed filled",
		},
		[]string{"provider"},
	)

	PreflightBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_preflight_blocks_total",
			Help: "Preflight blocked results by reason code",
		},
		[]string{"reason"},
	)

	Metadata401 = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "desk_metadata_401_total",
			Help: "Unauthorized responses from the product metadata endpoint",
		},
	)

	MetadataFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_metadata_fallbacks_total",
			Help: "Rule resolutions served from stale cache, catalog, or fallback",
		},
		[]string{"source"},
	)

	CatalogRefresh = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "desk_catalog_refresh_timestamp",
			Help: "Unix time of the last product catalog refresh",
		},
	)

	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "desk_runs_total",
			Help: "Runs reaching a terminal status",
		},
		[]string{"status"},
	)

	ReasonerFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "desk_reasoner_fallbacks_total",
			Help: "Advisor calls served by the deterministic template",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		OrderFills,
		PreflightBlocks,
		Metadata401,
		MetadataFallbacks,
		CatalogRefresh,
		Runs,
		ReasonerFallbacks,
	)
}
