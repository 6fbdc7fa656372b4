// Package metrics records run outcomes as Prometheus metrics for the node
// exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vm-backup/src/backup"
)

const namespace = "vm_backup"

// Run holds the gauges describing one invocation.
type Run struct {
	reg *prometheus.Registry

	lastRun     prometheus.Gauge
	duration    prometheus.Gauge
	vms         prometheus.Gauge
	failed      prometheus.Gauge
	warnings    prometheus.Gauge
	lastSuccess *prometheus.GaugeVec
	vmDuration  *prometheus.GaugeVec

	offsiteLast  prometheus.Gauge
	offsiteBytes prometheus.Gauge
	offsiteOK    prometheus.Gauge
}

// New registers the run gauges on a fresh registry.
func New() *Run {
	g := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Run{
		reg:      prometheus.NewRegistry(),
		lastRun:  g("last_run_timestamp_seconds", "Start time of the last backup run."),
		duration: g("run_duration_seconds", "Wall time of the last backup run."),
		vms:      g("vms", "Virtual machines attempted in the last run."),
		failed:   g("vms_failed", "Virtual machines whose backup failed in the last run."),
		warnings: g("snapshot_warnings", "Warnings raised in the last run, such as snapshots left behind."),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vm_last_success_timestamp_seconds",
			Help: "Completion time of the last successful backup per VM.",
		}, []string{"vm"}),
		vmDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vm_duration_seconds",
			Help: "Duration of the last backup attempt per VM.",
		}, []string{"vm"}),
		offsiteLast:  g("offsite_last_push_timestamp_seconds", "Completion time of the last offsite push."),
		offsiteBytes: g("offsite_pushed_bytes", "Ciphertext bytes sent by the last offsite push."),
		offsiteOK:    g("offsite_success", "1 if the last offsite push succeeded."),
	}
	m.reg.MustRegister(m.lastRun, m.duration, m.vms, m.failed, m.warnings, m.lastSuccess, m.vmDuration)
	return m
}

// Registry exposes the registry for tests and custom gatherers.
func (m *Run) Registry() *prometheus.Registry { return m.reg }

// Observe records a backup report.
func (m *Run) Observe(rep *backup.Report) {
	m.lastRun.Set(float64(rep.Start.Unix()))
	m.duration.Set(rep.End.Sub(rep.Start).Seconds())
	m.vms.Set(float64(len(rep.Jobs)))
	m.failed.Set(float64(len(rep.Failures())))
	m.warnings.Set(float64(rep.Warnings()))
	for _, j := range rep.Jobs {
		m.vmDuration.WithLabelValues(j.Name).Set(j.Duration().Seconds())
		if !j.Failed {
			m.lastSuccess.WithLabelValues(j.Name).Set(float64(j.End.Unix()))
		}
	}
}

// ObserveOffsite records an offsite push. The offsite gauges are only
// registered once a push has been observed.
func (m *Run) ObserveOffsite(at time.Time, bytes int64, err error) {
	if err := m.reg.Register(m.offsiteOK); err == nil {
		m.reg.MustRegister(m.offsiteLast, m.offsiteBytes)
	}
	m.offsiteLast.Set(float64(at.Unix()))
	m.offsiteBytes.Set(float64(bytes))
	if err != nil {
		m.offsiteOK.Set(0)
	} else {
		m.offsiteOK.Set(1)
	}
}

// WriteTextfile atomically writes the metrics to path.
func (m *Run) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
