// Package metrics provides the Prometheus and InfluxDB sink
// implementations plus a fan-out MultiSink.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/voltwise/autopilot/core/metrics"
)

// PromSink records engine activity in Prometheus metrics.
type PromSink struct {
	actions  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tickDur  prometheus.Histogram
	failures prometheus.Counter
	homes    prometheus.Gauge
}

// NewPromSink registers the autopilot metrics on the default registerer.
// The Prometheus HTTP server is started separately.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global one.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_actions_total",
		Help: "Total number of actions decided by the engine",
	}, []string{"action", "guard", "acknowledged"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopilot_actuation_latency_seconds",
		Help:    "Time between command send and acknowledgment",
		Buckets: prometheus.DefBuckets,
	}, []string{"action", "acknowledged"})
	tickDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopilot_tick_duration_seconds",
		Help:    "Duration of one evaluation cycle",
		Buckets: prometheus.DefBuckets,
	})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_actuation_failures_total",
		Help: "Actuations that were not acknowledged",
	})
	homes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_homes_evaluated",
		Help: "Number of homes covered by the last cycle",
	})

	if err := reg.Register(actions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			actions = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(tickDur); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			tickDur = are.ExistingCollector.(prometheus.Histogram)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(failures); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			failures = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(homes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			homes = are.ExistingCollector.(prometheus.Gauge)
		} else {
			return nil, err
		}
	}

	return &PromSink{actions: actions, latency: latency, tickDur: tickDur, failures: failures, homes: homes}, nil
}

// RecordActions increments the action counter and latency histogram.
func (s *PromSink) RecordActions(records []coremetrics.ActionRecord) error {
	for _, r := range records {
		acked := strconv.FormatBool(r.Acknowledged)
		s.actions.WithLabelValues(string(r.Action), r.Guard, acked).Inc()
		s.latency.WithLabelValues(string(r.Action), acked).Observe(r.Latency.Seconds())
	}
	return nil
}

// RecordTick records the cycle duration and coverage.
func (s *PromSink) RecordTick(rec coremetrics.TickRecord) error {
	s.tickDur.Observe(rec.Duration.Seconds())
	s.homes.Set(float64(rec.Homes))
	if rec.Failures > 0 {
		s.failures.Add(float64(rec.Failures))
	}
	return nil
}
