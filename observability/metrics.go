package observability

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	lockerMetricsOnce sync.Once
	lockerRegistry    *LockerMetrics

	messagingMetricsOnce sync.Once
	messagingRegistry    *MessagingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route, and outcome.",
			}, []string{"module", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "curvance",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// OracleMetrics tracks price router quotes and adaptor failures.
type OracleMetrics struct {
	quotes     *prometheus.CounterVec
	feedErrors *prometheus.CounterVec
	latency    prometheus.Histogram
}

// Oracle returns the lazily-initialised price router metrics.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "oracle",
				Name:      "quotes_total",
				Help:      "Price router quotes segmented by returned error code.",
			}, []string{"code"}),
			feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "oracle",
				Name:      "feed_errors_total",
				Help:      "Adaptor calls that reverted, were stale, or returned no price.",
			}, []string{"adaptor"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "curvance",
				Subsystem: "oracle",
				Name:      "quote_duration_seconds",
				Help:      "Time spent aggregating a price across feeds.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(oracleRegistry.quotes, oracleRegistry.feedErrors, oracleRegistry.latency)
	})
	return oracleRegistry
}

// RecordQuote counts a completed quote.
func (m *OracleMetrics) RecordQuote(code uint8, d time.Duration) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(strconv.Itoa(int(code))).Inc()
	m.latency.Observe(d.Seconds())
}

// RecordFeedError counts an errored adaptor call.
func (m *OracleMetrics) RecordFeedError(adaptor string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(labelValue(adaptor)).Inc()
}

// LockerMetrics tracks reward ledger activity.
type LockerMetrics struct {
	claims     *prometheus.CounterVec
	nextEpoch  prometheus.Gauge
	deliveries prometheus.Counter
}

// Locker returns the lazily-initialised reward ledger metrics.
func Locker() *LockerMetrics {
	lockerMetricsOnce.Do(func() {
		lockerRegistry = &LockerMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "locker",
				Name:      "claims_total",
				Help:      "Reward claims segmented by outcome (paid, zero, locked).",
			}, []string{"outcome"}),
			nextEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "curvance",
				Subsystem: "locker",
				Name:      "next_epoch_to_deliver",
				Help:      "Next epoch index awaiting reward delivery.",
			}),
			deliveries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "locker",
				Name:      "epoch_deliveries_total",
				Help:      "Epoch reward records accepted.",
			}),
		}
		prometheus.MustRegister(lockerRegistry.claims, lockerRegistry.nextEpoch, lockerRegistry.deliveries)
	})
	return lockerRegistry
}

// RecordClaim counts a claim outcome.
func (m *LockerMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(labelValue(outcome)).Inc()
}

// RecordDelivery tracks an accepted epoch record.
func (m *LockerMetrics) RecordDelivery(nextEpoch uint64) {
	if m == nil {
		return
	}
	m.deliveries.Inc()
	m.nextEpoch.Set(float64(nextEpoch))
}

// MessagingMetrics tracks cross-chain hub traffic.
type MessagingMetrics struct {
	messages *prometheus.CounterVec
}

// Messaging returns the lazily-initialised hub metrics.
func Messaging() *MessagingMetrics {
	messagingMetricsOnce.Do(func() {
		messagingRegistry = &MessagingMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvance",
				Subsystem: "messaging",
				Name:      "messages_total",
				Help:      "Cross-chain messages segmented by direction, kind, and outcome.",
			}, []string{"direction", "kind", "outcome"}),
		}
		prometheus.MustRegister(messagingRegistry.messages)
	})
	return messagingRegistry
}

// Record counts a message.
func (m *MessagingMetrics) Record(direction, kind, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(labelValue(direction), labelValue(kind), labelValue(outcome)).Inc()
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
