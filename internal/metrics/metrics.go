// Package metrics exposes the dispatcher and frame metrics on a dedicated
// Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

const subsystem = "renderq"

// Registry holds every renderq collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	itemsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "items_started_total",
			Help:      "Count of admitted render items, by whether they were restarts.",
		},
		[]string{"restart"},
	)

	itemsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "items_finished_total",
			Help:      "Count of finished render items, by error code (ok on success).",
		},
		[]string{"status"},
	)

	admissionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "admission_errors_total",
			Help:      "Count of works rejected before they were queued.",
		},
		[]string{"code"},
	)

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Count of frames consumed by the scheduler.",
		},
		[]string{"output", "status"},
	)

	frameDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "frame_duration_seconds",
			Help:      "Wall time spent rendering one frame, all views included.",
			Buckets: []float64{
				0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
			},
		},
		[]string{"output"},
	)

	queueActive = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "queue_active_items",
			Help:      "Items currently rendering.",
		},
		func() float64 { a, _ := queueCounts(); return float64(a) },
	)

	queuePending = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "queue_pending_items",
			Help:      "Items waiting for an active item to finish.",
		},
		func() float64 { _, p := queueCounts(); return float64(p) },
	)
)

// QueueCounter reports the sizes of the active and pending sets.
type QueueCounter interface {
	Counts() (active, pending int)
}

var queueSource atomic.Pointer[QueueCounter]

func queueCounts() (int, int) {
	src := queueSource.Load()
	if src == nil {
		return 0, 0
	}
	return (*src).Counts()
}

// WatchQueue makes the queue gauges report q. A later call replaces q.
func WatchQueue(q QueueCounter) {
	queueSource.Store(&q)
}

var registerMetrics sync.Once

// Register registers all metrics on Registry. Safe to call more than once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			itemsStarted,
			itemsFinished,
			admissionErrors,
			frames,
			frameDuration,
			queueActive,
			queuePending,
		)
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordFrame counts a consumed frame and its wall time.
func RecordFrame(output string, wall time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "failed"
	}
	frames.WithLabelValues(output, status).Inc()
	if !failed {
		frameDuration.WithLabelValues(output).Observe(wall.Seconds())
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.GetCode(err))
}

// Recorder feeds the item and frame metrics. It implements render.Observer
// and the sequencer's frame recorder.
type Recorder struct{}

func (Recorder) OnRenderStarted(_ *render.Item, restarted bool) {
	label := "false"
	if restarted {
		label = "true"
	}
	itemsStarted.WithLabelValues(label).Inc()
}

func (Recorder) OnRenderFinished(_ *render.Item, err error) {
	itemsFinished.WithLabelValues(statusLabel(err)).Inc()
}

func (Recorder) OnRenderError(_ render.Work, err error) {
	admissionErrors.WithLabelValues(statusLabel(err)).Inc()
}

func (Recorder) ObserveFrame(output string, wall time.Duration, failed bool) {
	RecordFrame(output, wall, failed)
}
