// ============================================================================
// lmic-task Metrics - Prometheus instrumentation of the radio task
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Counts what the task loop does and exposes the host-facing
//           observability queries as gauges.
//
// Metrics:
//
//   Counters:
//     - lmic_notifications_total{flag}: notification bits consumed by the loop
//     - lmic_loop_iterations_total: loop wake-ups
//     - lmic_jobs_run_total{job}: executed jobs by name
//     - lmic_state_transitions_total{state}: duty-cycle transitions
//     - lmic_mac_events_total{kind}: events reported by the MAC
//     - lmic_mac_asserts_total: internal MAC assertions
//     - lmic_transmissions_total / lmic_transmitted_bytes_total
//
//   Histogram:
//     - lmic_sleep_compensation_seconds: wall time added to the clock on wake
//
//   Gauges:
//     - lmic_state: 0 suspended, 1 running, 2 sleeping
//     - lmic_busy, lmic_sending, lmic_next_job_ms (from the task)
//     - lmic_critical_section_longest_seconds, lmic_critical_section_overruns
//
// HTTP:
//   Serve exposes a registry on /metrics until its context ends.
//
// ============================================================================

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/lmic-task/internal/irq"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

const namespace = "lmic"

// Task is the observability surface of the task.
type Task interface {
	IsBusy() bool
	IsSending() bool
	TimeToNextJobMs() int
}

// Collector records task metrics on a registerer.
type Collector struct {
	reg prometheus.Registerer

	notifications     *prometheus.CounterVec
	iterations        prometheus.Counter
	jobsRun           *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	macEvents         *prometheus.CounterVec
	macAsserts        prometheus.Counter
	transmissions     prometheus.Counter
	transmittedBytes  prometheus.Counter
	sleepCompensation prometheus.Histogram
	state             prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification bits consumed by the task loop",
		}, []string{"flag"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Task loop wake-ups",
		}),
		jobsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_run_total",
			Help:      "Jobs executed by the scheduler",
		}, []string{"job"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Duty-cycle state transitions",
		}, []string{"state"}),
		macEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mac_events_total",
			Help:      "Events reported by the MAC layer",
		}, []string{"kind"}),
		macAsserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mac_asserts_total",
			Help:      "Assertions raised inside the MAC layer",
		}),
		transmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmissions_total",
			Help:      "Payloads handed to the MAC layer",
		}),
		transmittedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmitted_bytes_total",
			Help:      "Payload bytes handed to the MAC layer",
		}),
		sleepCompensation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sleep_compensation_seconds",
			Help:      "Wall time added to the logical clock on wake",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Duty-cycle state: 0 suspended, 1 running, 2 sleeping",
		}),
	}

	reg.MustRegister(
		c.notifications,
		c.iterations,
		c.jobsRun,
		c.transitions,
		c.macEvents,
		c.macAsserts,
		c.transmissions,
		c.transmittedBytes,
		c.sleepCompensation,
		c.state,
	)
	return c
}

// WatchTask exports the task's observability queries as gauges.
func (c *Collector) WatchTask(t Task) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy",
			Help:      "1 while the task has transmissions or jobs outstanding",
		}, func() float64 { return b2f(t.IsBusy()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sending",
			Help:      "1 while a transmission is in flight",
		}, func() float64 { return b2f(t.IsSending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_job_ms",
			Help:      "Milliseconds until the next job, -1 when none",
		}, func() float64 { return float64(t.TimeToNextJobMs()) }),
	)
}

// WatchMask exports the critical-section accounting of m.
func (c *Collector) WatchMask(m *irq.Mask) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "critical_section_longest_seconds",
			Help:      "Longest interrupt-masked section observed",
		}, func() float64 { return m.Longest().Seconds() }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_section_overruns_total",
			Help:      "Masked sections longer than the allowed maximum",
		}, func() float64 { return float64(m.Overruns()) }),
	)
}

// Iteration implements the task observer.
func (c *Collector) Iteration(bits types.NotifyMask) {
	c.iterations.Inc()
	for bit := types.NotifyRadioIRQ0; bit <= types.NotifyWake; bit <<= 1 {
		if bits.Has(bit) {
			c.notifications.WithLabelValues(bit.String()).Inc()
		}
	}
}

// JobRan implements the scheduler observer.
func (c *Collector) JobRan(name string) {
	if name == "" {
		name = "anonymous"
	}
	c.jobsRun.WithLabelValues(name).Inc()
}

// StateChanged implements the task observer.
func (c *Collector) StateChanged(s types.DutyState) {
	c.state.Set(float64(s))
	c.transitions.WithLabelValues(s.String()).Inc()
}

// SleepCompensated implements the task observer.
func (c *Collector) SleepCompensated(d time.Duration) {
	c.sleepCompensation.Observe(d.Seconds())
}

// MacEvent implements the task observer.
func (c *Collector) MacEvent(kind types.EventKind) {
	c.macEvents.WithLabelValues(kind.String()).Inc()
}

// MacAssert implements the task observer.
func (c *Collector) MacAssert() {
	c.macAsserts.Inc()
}

// Transmitted implements the task observer.
func (c *Collector) Transmitted(length int) {
	c.transmissions.Inc()
	c.transmittedBytes.Add(float64(length))
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "metrics server on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
