package observability

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// API returns the lazily-initialised registry recording HTTP activity of the
// daemon.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *apiMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// ProtocolMetrics tracks committed protocol activity. It is fed from the
// engine's event stream, so only committed operations are counted.
type ProtocolMetrics struct {
	swaps         *prometheus.CounterVec
	swapVolume    *prometheus.CounterVec
	fees          *prometheus.CounterVec
	liquidity     *prometheus.CounterVec
	borrows       *prometheus.CounterVec
	onassetILD    *prometheus.GaugeVec
	collateralILD *prometheus.GaugeVec
	committed     *prometheus.GaugeVec
	poolPrice     *prometheus.GaugeVec
}

// Protocol returns the singleton protocol collectors.
func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "swaps_total",
				Help:      "Committed swaps segmented by pool and input side.",
			}, []string{"pool", "input"}),
			swapVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "swap_input_total",
				Help:      "Swap input amounts segmented by pool and input side.",
			}, []string{"pool", "input"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "fees_total",
				Help:      "Trading fees charged segmented by pool and recipient.",
			}, []string{"pool", "recipient"}),
			liquidity: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "comet",
				Name:      "liquidity_changes_total",
				Help:      "Comet liquidity commits and withdrawals segmented by pool.",
			}, []string{"pool", "direction"}),
			borrows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "borrow",
				Name:      "updates_total",
				Help:      "Borrow position updates segmented by pool and kind.",
			}, []string{"pool", "kind"}),
			onassetILD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "onasset_ild",
				Help:      "Latest onAsset impermanent-loss debt per pool.",
			}, []string{"pool"}),
			collateralILD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "collateral_ild",
				Help:      "Latest collateral impermanent-loss debt per pool.",
			}, []string{"pool"}),
			committed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "committed_collateral_liquidity",
				Help:      "Latest committed collateral liquidity per pool.",
			}, []string{"pool"}),
			poolPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "pool",
				Name:      "oracle_price",
				Help:      "Oracle price recorded with the latest pool snapshot.",
			}, []string{"pool"}),
		}
		prometheus.MustRegister(
			protocolRegistry.swaps,
			protocolRegistry.swapVolume,
			protocolRegistry.fees,
			protocolRegistry.liquidity,
			protocolRegistry.borrows,
			protocolRegistry.onassetILD,
			protocolRegistry.collateralILD,
			protocolRegistry.committed,
			protocolRegistry.poolPrice,
		)
	})
	return protocolRegistry
}

func poolLabel(index uint8) string { return strconv.Itoa(int(index)) }

func sideLabel(inputIsCollateral bool) string {
	if inputIsCollateral {
		return "collateral"
	}
	return "onasset"
}

// OracleMetrics tracks the daemon's price refresh loop.
type OracleMetrics struct {
	refreshes *prometheus.CounterVec
	sourceErr *prometheus.CounterVec
	price     *prometheus.GaugeVec
	lastSlot  prometheus.Gauge
}

// Oracle exposes the metrics registry for the refresh loop.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "oracle",
				Name:      "refreshes_total",
				Help:      "Price refresh cycles segmented by outcome.",
			}, []string{"outcome"}),
			sourceErr: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "oracle",
				Name:      "source_errors_total",
				Help:      "Failed upstream fetches segmented by source.",
			}, []string{"source"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Latest aggregated price per feed.",
			}, []string{"feed"}),
			lastSlot: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "oracle",
				Name:      "last_refresh_slot",
				Help:      "Slot stamped by the latest successful refresh.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.refreshes,
			oracleRegistry.sourceErr,
			oracleRegistry.price,
			oracleRegistry.lastSlot,
		)
	})
	return oracleRegistry
}

// RecordRefresh counts one refresh cycle and, on success, the slot it stamped.
func (m *OracleMetrics) RecordRefresh(slot uint64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("success").Inc()
	m.lastSlot.Set(float64(slot))
}

// RecordSourceError counts a failed fetch from the named source.
func (m *OracleMetrics) RecordSourceError(source string) {
	if m == nil {
		return
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	m.sourceErr.WithLabelValues(source).Inc()
}

// SetPrice records the aggregated price for feed.
func (m *OracleMetrics) SetPrice(feed string, price float64) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(strings.ToLower(strings.TrimSpace(feed))).Set(price)
}
