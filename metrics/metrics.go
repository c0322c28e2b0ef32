package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runbox"

// Recorder receives engine events.
type Recorder interface {
	ObserveExecution(language, status string, duration time.Duration)
	ObserveImageBuild(language string, ok bool, duration time.Duration)
}

var (
	_ Recorder = Noop{}
	_ Recorder = (*Prometheus)(nil)
)

// Noop discards every event.
type Noop struct{}

func (Noop) ObserveExecution(string, string, time.Duration) {}

func (Noop) ObserveImageBuild(string, bool, time.Duration) {}

// Prometheus records events into its own registry.
type Prometheus struct {
	registry      *prometheus.Registry
	executions    *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
}

// NewPrometheus creates a Prometheus recorder with a fresh registry that also
// carries the Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions by language and terminal status.",
		}, []string{"language", "status"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of executions.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"language", "status"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_builds_total",
			Help:      "Image builds by language and outcome.",
		}, []string{"language", "outcome"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_build_duration_seconds",
			Help:      "Duration of image builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"language"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.executions,
		p.execDuration,
		p.builds,
		p.buildDuration,
	)

	return p
}

func (p *Prometheus) ObserveExecution(language, status string, duration time.Duration) {
	p.executions.WithLabelValues(language, status).Inc()
	p.execDuration.WithLabelValues(language, status).Observe(duration.Seconds())
}

func (p *Prometheus) ObserveImageBuild(language string, ok bool, duration time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	p.builds.WithLabelValues(language, outcome).Inc()
	p.buildDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// Registry returns the underlying registry, for callers that gather from it
// directly or register collectors of their own.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
