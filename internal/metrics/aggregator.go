package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vectorflow/internal/job"
)

const namespace = "vectorflow"

// DurationStat summarizes observed durations.
type DurationStat struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average duration, or zero before any observation.
func (d DurationStat) Mean() time.Duration {
	if d.Count == 0 {
		return 0
	}
	return d.Total / time.Duration(d.Count)
}

func (d *DurationStat) observe(v time.Duration) {
	d.Count++
	d.Total += v
	if v > d.Max {
		d.Max = v
	}
}

// Snapshot is a point-in-time copy of the aggregated metrics.
type Snapshot struct {
	Succeeded           int64                   `json:"succeeded"`
	Failed              int64                   `json:"failed"`
	Cancelled           int64                   `json:"cancelled"`
	Retries             int64                   `json:"retries"`
	FallbackEngagements int64                   `json:"fallback_engagements"`
	Transport           map[string]int64        `json:"transport"`
	Stages              map[string]DurationStat `json:"stages"`
	Jobs                DurationStat            `json:"jobs"`
}

// Aggregator accumulates pipeline metrics. It is safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	snapshot Snapshot

	registry       *prometheus.Registry
	jobsTotal      *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	fallbacksTotal prometheus.Counter
	transportTotal *prometheus.CounterVec
	stageSeconds   *prometheus.HistogramVec
	jobSeconds     prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	running        prometheus.Gauge
}

// New builds an aggregator with its own Prometheus registry.
func New() *Aggregator {
	a := &Aggregator{
		snapshot: Snapshot{
			Transport: make(map[string]int64),
			Stages:    make(map[string]DurationStat),
		},
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total", Help: "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total", Help: "Stage retries scheduled, by stage.",
		}, []string{"stage"}),
		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compute_fallbacks_total", Help: "Jobs pinned to the fallback compute backend.",
		}),
		transportTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_accepted_total", Help: "Publishes accepted, by backend.",
		}, []string{"backend"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds", Help: "Completed stage durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		jobSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds", Help: "Start-to-finish job durations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Queued jobs, by priority.",
		}, []string{"priority"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_running", Help: "Jobs currently held by an engine.",
		}),
	}
	a.registry.MustRegister(
		a.jobsTotal, a.retriesTotal, a.fallbacksTotal, a.transportTotal,
		a.stageSeconds, a.jobSeconds, a.queueDepth, a.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return a
}

// JobFinished records a terminal job. Non-terminal states are ignored.
func (a *Aggregator) JobFinished(state job.State, elapsed time.Duration) {
	if a == nil || !state.IsTerminal() {
		return
	}
	a.mu.Lock()
	switch state {
	case job.StateSucceeded:
		a.snapshot.Succeeded++
	case job.StateFailed:
		a.snapshot.Failed++
	case job.StateCancelled:
		a.snapshot.Cancelled++
	}
	if elapsed > 0 {
		a.snapshot.Jobs.observe(elapsed)
	}
	a.mu.Unlock()

	a.jobsTotal.WithLabelValues(string(state)).Inc()
	if elapsed > 0 {
		a.jobSeconds.Observe(elapsed.Seconds())
	}
}

// RetryScheduled records a retry of stageName.
func (a *Aggregator) RetryScheduled(stageName string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.snapshot.Retries++
	a.mu.Unlock()
	a.retriesTotal.WithLabelValues(stageName).Inc()
}

// FallbackEngaged records a job switching to the fallback compute backend.
func (a *Aggregator) FallbackEngaged() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.snapshot.FallbackEngagements++
	a.mu.Unlock()
	a.fallbacksTotal.Inc()
}

// TransportAccepted records which backend accepted a publish.
func (a *Aggregator) TransportAccepted(backend string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.snapshot.Transport[backend]++
	a.mu.Unlock()
	a.transportTotal.WithLabelValues(backend).Inc()
}

// StageCompleted records the duration of a successful stage.
func (a *Aggregator) StageCompleted(stageName string, elapsed time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	stat := a.snapshot.Stages[stageName]
	stat.observe(elapsed)
	a.snapshot.Stages[stageName] = stat
	a.mu.Unlock()
	a.stageSeconds.WithLabelValues(stageName).Observe(elapsed.Seconds())
}

// ObserveQueue updates the queue gauges.
func (a *Aggregator) ObserveQueue(depths map[job.Priority]int, running int) {
	if a == nil {
		return
	}
	for _, p := range job.Priorities {
		a.queueDepth.WithLabelValues(string(p)).Set(float64(depths[p]))
	}
	a.running.Set(float64(running))
}

// Snapshot returns a copy of the aggregated values.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.snapshot
	out.Transport = make(map[string]int64, len(a.snapshot.Transport))
	for k, v := range a.snapshot.Transport {
		out.Transport[k] = v
	}
	out.Stages = make(map[string]DurationStat, len(a.snapshot.Stages))
	for k, v := range a.snapshot.Stages {
		out.Stages[k] = v
	}
	return out
}

// Handler serves the registry in the Prometheus exposition format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}
