package metrics

import (
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PerpMetrics exposes the trading engine's Prometheus metrics.
type PerpMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Position lifecycle
	positionsOpened     prometheus.Counter
	positionsClosed     prometheus.Counter
	positionsLiquidated prometheus.Counter

	// Order lifecycle
	ordersCreated   prometheus.Counter
	ordersExecuted  prometheus.Counter
	ordersCancelled prometheus.Counter

	// Funding and pool
	fundingUpdates     prometheus.Counter
	fundingRate        prometheus.GaugeVec
	openInterest       prometheus.GaugeVec
	poolUtilizationBps prometheus.Gauge

	// Keeper
	keeperScanSeconds prometheus.Histogram
}

func NewPerpMetrics(namespace string) (*PerpMetrics, error) {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &PerpMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total positions opened",
		}),
		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total positions closed",
		}),
		positionsLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_liquidated_total",
			Help:      "Total positions liquidated",
		}),
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Total conditional orders created",
		}),
		ordersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Total conditional orders executed",
		}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Total conditional orders cancelled",
		}),
		fundingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_updates_total",
			Help:      "Total funding rate updates applied",
		}),
		fundingRate: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_rate_bps_per_hour",
			Help:      "Current funding rate by market, bps per hour",
		}, []string{"market"}),
		openInterest: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Open interest by market and side, 1e7 fixed point",
		}, []string{"market", "side"}),
		poolUtilizationBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization_bps",
			Help:      "Liquidity pool utilization in basis points",
		}),
		keeperScanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keeper_scan_seconds",
			Help:      "Duration of keeper maintenance scans",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.positionsOpened,
		m.positionsClosed,
		m.positionsLiquidated,
		m.ordersCreated,
		m.ordersExecuted,
		m.ordersCancelled,
		m.fundingUpdates,
		m.fundingRate,
		m.openInterest,
		m.poolUtilizationBps,
		m.keeperScanSeconds,
	)

	logger.Info("metrics initialized", "namespace", namespace)
	return m, nil
}

// Handler returns the promhttp handler for this registry.
func (m *PerpMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port in a background
// goroutine.
func (m *PerpMetrics) StartServer(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()
	m.logger.Info("Prometheus metrics available", "endpoint", "http://localhost:"+port+"/metrics")
	return nil
}

func (m *PerpMetrics) RecordPositionOpened()     { m.positionsOpened.Inc() }
func (m *PerpMetrics) RecordPositionClosed()     { m.positionsClosed.Inc() }
func (m *PerpMetrics) RecordPositionLiquidated() { m.positionsLiquidated.Inc() }
func (m *PerpMetrics) RecordOrderCreated()       { m.ordersCreated.Inc() }
func (m *PerpMetrics) RecordOrderExecuted()      { m.ordersExecuted.Inc() }
func (m *PerpMetrics) RecordOrderCancelled()     { m.ordersCancelled.Inc() }
func (m *PerpMetrics) RecordFundingUpdate()      { m.fundingUpdates.Inc() }

func (m *PerpMetrics) SetFundingRate(market string, bpsPerHour float64) {
	m.fundingRate.WithLabelValues(market).Set(bpsPerHour)
}

func (m *PerpMetrics) SetOpenInterest(market, side string, oi float64) {
	m.openInterest.WithLabelValues(market, side).Set(oi)
}

func (m *PerpMetrics) SetPoolUtilization(bps float64) {
	m.poolUtilizationBps.Set(bps)
}

func (m *PerpMetrics) ObserveKeeperScan(seconds float64) {
	m.keeperScanSeconds.Observe(seconds)
}
