// Prometheus counters for a single pipeline run. The process is a batch job,
// so the counters are pushed to a Pushgateway at the end of the run instead of
// being scraped.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"

	"derivflow/logger"
)

// Fetch outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeFailure = "failure"
)

// Recorder owns the run's Prometheus collectors.
type Recorder struct {
	registry     *prometheus.Registry
	fetchTotal   *prometheus.CounterVec
	rowsInserted *prometheus.CounterVec
	retries      prometheus.Counter
	lastSuccess  prometheus.Gauge
}

// NewRecorder builds a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derivflow_fetch_total",
			Help: "Coinalyze fetches by metric kind and outcome",
		}, []string{"kind", "outcome"}),
		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derivflow_rows_inserted_total",
			Help: "Rows merge-inserted into the warehouse by metric kind",
		}, []string{"kind"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivflow_fetch_retries_total",
			Help: "Rate limited Coinalyze requests that were retried",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "derivflow_last_run_timestamp_seconds",
			Help: "Unix time of the last completed run",
		}),
	}
	r.registry.MustRegister(r.fetchTotal, r.rowsInserted, r.retries, r.lastSuccess)
	r.registry.MustRegister(collectors.NewGoCollector())
	return r
}

var defaultRecorder = NewRecorder()

// Default returns the process wide Recorder.
func Default() *Recorder { return defaultRecorder }

// ObserveFetch counts one fetch outcome and emits the matching metric event.
func (r *Recorder) ObserveFetch(log *logger.Log, kind, outcome string, attempts int) {
	r.fetchTotal.WithLabelValues(kind, outcome).Inc()
	EmitMetric(log, "fetcher", "fetch_"+outcome, 1, "counter", logger.Fields{
		"kind":     kind,
		"attempts": attempts,
	})
}

// ObserveRetry counts a rate limited attempt that will be retried after wait.
func (r *Recorder) ObserveRetry(log *logger.Log, kind string, wait time.Duration) {
	r.retries.Inc()
	EmitMetric(log, "fetcher", "fetch_retry_wait", wait.Seconds(), "gauge", logger.Fields{
		"kind": kind,
		"unit": "seconds",
	})
}

// ObserveInserted counts rows written for kind.
func (r *Recorder) ObserveInserted(log *logger.Log, kind, table string, rows int64) {
	r.rowsInserted.WithLabelValues(kind).Add(float64(rows))
	EmitMetric(log, "sink", "rows_inserted", float64(rows), "counter", logger.Fields{
		"kind":  kind,
		"table": table,
	})
}

// MarkRunComplete records the end of a run.
func (r *Recorder) MarkRunComplete(at time.Time) {
	r.lastSuccess.Set(float64(at.Unix()))
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if job == "" {
		job = "derivflow"
	}
	return push.New(url, job).Gatherer(r.registry).PushContext(ctx)
}
