package insights

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeSchemaError    = "schema_error"
	OutcomeDisabled       = "disabled"
	OutcomeTimeout        = "timeout"
	OutcomeError          = "error"
)

type Metrics struct {
	RequestsTotal           *prometheus.CounterVec
	RequestDuration         prometheus.Histogram
	CacheLookupsTotal       *prometheus.CounterVec
	NarrationFallbacksTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_requests_total",
			Help: "Total number of questions answered, by outcome",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insights_request_duration_seconds",
			Help:    "Duration of a full question cycle in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_cache_lookups_total",
			Help: "Total number of plan and result cache lookups, by cache and result",
		}, []string{"cache", "result"}),
		NarrationFallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_narration_fallbacks_total",
			Help: "Total number of narrations replaced by the deterministic fallback, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) cacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}
