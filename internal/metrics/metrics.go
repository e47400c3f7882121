// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics exports the outcome of an upgrade run for the node
// exporter's textfile collector.
package metrics

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/maas-anvil/upgrades"
)

const namespace = "anvil"

// Collector holds the gauges describing a single run.
type Collector struct {
	registry *prometheus.Registry

	result      *prometheus.GaugeVec
	failedSteps prometheus.Gauge
	duration    prometheus.Gauge
	finished    prometheus.Gauge
	succeeded   prometheus.Gauge
}

// NewCollector returns a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		result: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "result",
			Help:      "Outcome of each step of the last upgrade run.",
		}, []string{"application", "kind", "status"}),
		failedSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "failed_steps",
			Help:      "Number of failed steps in the last upgrade run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "duration_seconds",
			Help:      "Wall time of the last upgrade run.",
		}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "last_run_timestamp_seconds",
			Help:      "Time the last upgrade run finished.",
		}),
		succeeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "success",
			Help:      "1 if the last upgrade run finished without failed steps.",
		}),
	}
	c.registry.MustRegister(c.result, c.failedSteps, c.duration, c.finished, c.succeeded)
	return c
}

// Observe replaces the gauges with the outcome of report.
func (c *Collector) Observe(report upgrades.Report) {
	c.result.Reset()
	for _, r := range report.Results {
		c.result.WithLabelValues(r.Application, string(r.Kind), string(r.Status)).Set(1)
	}
	c.failedSteps.Set(float64(len(report.Failed())))
	c.duration.Set(report.Finished.Sub(report.Started).Seconds())
	c.finished.Set(float64(report.Finished.Unix()))
	if report.ExitCode() == 0 {
		c.succeeded.Set(1)
	} else {
		c.succeeded.Set(0)
	}
}

// Gatherer returns the registry holding the gauges.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// WriteTextfile writes the gauges to path in the text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	return errors.Annotatef(prometheus.WriteToTextfile(path, c.registry), "writing metrics to %q", path)
}

// Export writes the outcome of report to path.
func Export(path string, report upgrades.Report) error {
	c := NewCollector()
	c.Observe(report)
	return errors.Trace(c.WriteTextfile(path))
}
