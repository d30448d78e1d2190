/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandremahdhaoui/vmshift/internal/types"
)

var ErrWritingMetrics = errors.New("writing metrics")

const metricsNamespace = "vmshift"

// Metrics is a prometheus.Collector describing migration runs.
type Metrics struct {
	phaseTransitions *prometheus.CounterVec
	pollIterations   *prometheus.CounterVec
	imports          *prometheus.CounterVec
	transferFailures *prometheus.CounterVec
	runDuration      prometheus.Gauge
	lastRunSuccess   prometheus.Gauge
}

// NewMetrics returns a new Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		phaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "phase_transitions_total",
				Help:      "The number of times a migration entered a phase.",
			}, []string{"phase"},
		),
		pollIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_iterations_total",
				Help:      "The number of power state reads issued while awaiting a VM.",
			}, []string{"site", "phase"},
		),
		imports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "target_vms_total",
				Help:      "The outcome of importing and starting the VMs found on the target export domain.",
			}, []string{"result"},
		),
		transferFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transfer_failures_total",
				Help:      "The number of failed artifact transfers.",
			}, []string{"module"},
		),
		runDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "The duration of the last migration run.",
			},
		),
		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_run_success",
				Help:      "1 if the last migration run reached Done, 0 otherwise.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.phaseTransitions.Describe(ch)
	m.pollIterations.Describe(ch)
	m.imports.Describe(ch)
	m.transferFailures.Describe(ch)
	m.runDuration.Describe(ch)
	m.lastRunSuccess.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.phaseTransitions.Collect(ch)
	m.pollIterations.Collect(ch)
	m.imports.Collect(ch)
	m.transferFailures.Collect(ch)
	m.runDuration.Collect(ch)
	m.lastRunSuccess.Collect(ch)
}

// WriteTextfile writes the metrics in the text exposition format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(m); err != nil {
		return errors.Join(err, ErrWritingMetrics)
	}

	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return errors.Join(err, ErrWritingMetrics)
	}

	return nil
}

func (m *Metrics) observePhase(phase types.Phase) {
	m.phaseTransitions.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) observePoll(site string, phase types.Phase) {
	m.pollIterations.WithLabelValues(site, string(phase)).Inc()
}

func (m *Metrics) observeImport(result types.ImportResult) {
	switch {
	case result.Started:
		m.imports.WithLabelValues("started").Inc()
	case result.Imported:
		m.imports.WithLabelValues("start_failed").Inc()
	default:
		m.imports.WithLabelValues("import_failed").Inc()
	}
}

func (m *Metrics) observeTransferFailure(module string) {
	m.transferFailures.WithLabelValues(module).Inc()
}

func (m *Metrics) observeRun(report types.Report, seconds float64) {
	m.runDuration.Set(seconds)

	if report.Phase == types.PhaseDone {
		m.lastRunSuccess.Set(1)
		return
	}

	m.lastRunSuccess.Set(0)
}
