// Run outcome metrics, exported for node_exporter's textfile collector
package snapmetrics

import (
	"github.com/function61/autosnap/pkg/runjournal"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	lastRun     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	created     *prometheus.GaugeVec
	destroyed   *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
}

func New() *Metrics {
	gauge := func(name string, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autosnap",
			Name:      name,
			Help:      help,
		}, []string{"command"})
	}

	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		lastRun:     gauge("last_run_timestamp_seconds", "When the command last ran"),
		lastSuccess: gauge("last_run_success", "1 if the last run succeeded"),
		created:     gauge("snapshots_created", "Snapshots created by the last run"),
		destroyed:   gauge("snapshots_destroyed", "Snapshots destroyed by the last run"),
		duration:    gauge("run_duration_seconds", "How long the last run took"),
	}

	m.registry.MustRegister(
		m.lastRun,
		m.lastSuccess,
		m.created,
		m.destroyed,
		m.duration)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// later observations for the same command replace earlier ones
func (m *Metrics) Observe(run runjournal.Run) {
	success := 0.0
	if run.Succeeded() {
		success = 1
	}

	m.lastRun.WithLabelValues(run.Command).Set(float64(run.Started.Unix()))
	m.lastSuccess.WithLabelValues(run.Command).Set(success)
	m.created.WithLabelValues(run.Command).Set(float64(run.Created))
	m.destroyed.WithLabelValues(run.Command).Set(float64(run.Destroyed))
	m.duration.WithLabelValues(run.Command).Set(run.Duration.Seconds())
}

// each process only runs one command, so the journal is what gives us the latest
// outcome of every other command. dry runs don't count as runs.
func FromJournal(recentFirst []runjournal.Run) *Metrics {
	m := New()

	for i := len(recentFirst) - 1; i >= 0; i-- {
		if recentFirst[i].DryRun {
			continue
		}

		m.Observe(recentFirst[i])
	}

	return m
}

// atomic replace, so the collector never sees a partial file
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
