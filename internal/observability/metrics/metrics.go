// Package metrics turns job and task events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tgload/internal/eventbus"
	"tgload/internal/jobs"
	"tgload/internal/task/scheduler"
)

const namespace = "tgload"

// Prefixes are the event types Run consumes.
var Prefixes = []string{"job.", "task."}

// Sources are read at scrape time. Nil fields skip their series.
type Sources struct {
	Jobs    func() jobs.Snapshot
	Dropped func() uint64
}

type Metrics struct {
	reg *prometheus.Registry

	JobsQueued    prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	TasksFinished *prometheus.CounterVec
}

// New registers every series on a private registry, along with the Go and
// process collectors.
func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		JobsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Download jobs admitted to the queue.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Download jobs by final status.",
		}, []string{"status"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from start to outcome.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Maintenance task runs by task and result.",
		}, []string{"task", "result"}),
	}
	if src.Jobs != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Download jobs holding a worker slot.",
		}, func() float64 { return float64(src.Jobs().Running) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_waiting",
			Help:      "Download jobs waiting for a worker slot.",
		}, func() float64 { return float64(src.Jobs().Queued) })
	}
	if src.Dropped != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Bus events lost to slow subscribers.",
		}, func() float64 { return float64(src.Dropped()) })
	}
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gatherer exposes the registry to tests and other exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// Run consumes events until ctx is done or the channel closes.
func (m *Metrics) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates the series for one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case "job.queued":
		m.JobsQueued.Inc()
	case "job.succeeded", "job.failed", "job.timed_out":
		m.JobsFinished.WithLabelValues(e.Type[len("job."):]).Inc()
		if ev, ok := e.Data.(jobs.Event); ok && ev.Duration > 0 {
			m.JobDuration.Observe(ev.Duration.Seconds())
		}
	case "task.finished":
		it, ok := e.Data.(scheduler.HistoryItem)
		if !ok {
			return
		}
		result := "ok"
		switch {
		case it.Skipped:
			result = "skipped"
		case it.Error != "":
			result = "error"
		}
		m.TasksFinished.WithLabelValues(it.Name, result).Inc()
	}
}
