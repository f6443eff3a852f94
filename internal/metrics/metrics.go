// Package metrics exposes contribution creation and lifecycle progress as
// Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phasehost/internal/contrib"
	"phasehost/internal/eventbus"
	"phasehost/internal/lifecycle"
	"phasehost/internal/perf"
	logx "phasehost/pkg/logx"
)

const namespace = "phasehost"

// Metrics owns a private registry so tests and multiple hosts never clash
// on the global one.
type Metrics struct {
	reg *prometheus.Registry

	createSeconds *prometheus.HistogramVec
	createFailed  *prometheus.CounterVec
	phase         prometheus.Gauge
	phaseReached  *prometheus.GaugeVec
	logLines      *prometheus.CounterVec
	marks         prometheus.Counter
}

var _ contrib.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		createSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "contribution",
			Name:      "create_seconds",
			Help:      "Time spent creating contributions, by lifecycle phase.",
			Buckets:   []float64{.001, .005, .01, .02, .05, .1, .25, .5, 1, 3},
		}, []string{"phase"}),
		createFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contribution",
			Name:      "create_failures_total",
			Help:      "Contribution constructions that failed or panicked.",
		}, []string{"phase", "kind"}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "phase",
			Help:      "Current lifecycle phase (0 none, 1 starting, 2 ready, 3 restored, 4 eventually).",
		}),
		phaseReached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "phase_reached_seconds",
			Help:      "Seconds from host start until each phase was reached.",
		}, []string{"phase"}),
		logLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "lines_total",
			Help:      "Log lines republished on the event bus, by level.",
		}, []string{"level"}),
		marks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "perf",
			Name:      "marks_total",
			Help:      "Performance marks recorded.",
		}),
	}
	m.reg.MustRegister(
		m.createSeconds, m.createFailed, m.phase, m.phaseReached, m.logLines, m.marks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// TrackGoroutines exports fn as the number of supervised goroutines.
func (m *Metrics) TrackGoroutines(fn func() int64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supervised_goroutines",
		Help:      "Goroutines currently running under the host supervisor.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveCreate implements contrib.Observer.
func (m *Metrics) ObserveCreate(phase lifecycle.Phase, _ string, took time.Duration, err error) {
	p := phase.String()
	m.createSeconds.WithLabelValues(p).Observe(took.Seconds())
	if err == nil {
		return
	}
	kind := "error"
	var ce *contrib.ConstructionError
	if errors.As(err, &ce) && ce.IsPanic() {
		kind = "panic"
	}
	m.createFailed.WithLabelValues(p, kind).Inc()
}

// Follow updates lifecycle, log and mark metrics from bus events until ctx
// is done.
func (m *Metrics) Follow(ctx context.Context, bus eventbus.Bus) {
	events, unsubscribe := bus.Subscribe(256, lifecycle.EventPhase, logx.EventLogLine, perf.EventMark)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ev)
		}
	}
}

func (m *Metrics) apply(ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case lifecycle.PhaseEvent:
		m.phase.Set(float64(data.Phase))
		m.phaseReached.WithLabelValues(data.Phase.String()).Set(data.Elapsed.Seconds())
	case logx.LogLine:
		m.logLines.WithLabelValues(data.Level).Inc()
	case perf.Mark:
		m.marks.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
