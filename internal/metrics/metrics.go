// Package metrics exports ledger activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

const namespace = "tokenspy"

var labels = []string{"function", "model", "provider"}

// Collector holds the usage metrics. Register one per registry.
type Collector struct {
	Calls    *prometheus.CounterVec
	Tokens   *prometheus.CounterVec
	CostUSD  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "Total number of recorded LLM calls",
			},
			labels,
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total tokens by direction (input, output)",
			},
			append([]string{"direction"}, labels...),
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_cost_usd_total",
				Help:      "Total estimated cost in USD",
			},
			labels,
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_call_duration_seconds",
				Help:      "LLM call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			labels,
		),
	}
}

// Observe adds one record. Its signature matches ledger.Observer.
func (c *Collector) Observe(rec usage.Record) error {
	lv := []string{rec.Unit, rec.Model, string(rec.Provider)}
	c.Calls.WithLabelValues(lv...).Inc()
	c.Tokens.WithLabelValues(append([]string{"input"}, lv...)...).Add(float64(rec.InputTokens))
	c.Tokens.WithLabelValues(append([]string{"output"}, lv...)...).Add(float64(rec.OutputTokens))
	c.CostUSD.WithLabelValues(lv...).Add(rec.CostUSD)
	c.Duration.WithLabelValues(lv...).Observe(rec.DurationMs / 1000)
	return nil
}

// Seed adds records that were recorded before the collector existed.
func (c *Collector) Seed(records []usage.Record) {
	for _, rec := range records {
		_ = c.Observe(rec)
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
