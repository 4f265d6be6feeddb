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

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chvirt"

// Recorder collects harness metrics in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	scenarios        *prometheus.CounterVec
	scenarioDuration *prometheus.HistogramVec
	bootDuration     prometheus.Histogram
	invocations      *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Scenarios run, by scenario and result.",
		}, []string{"scenario", "result"}),
		scenarioDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of a scenario, cleanup included.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"scenario"}),
		bootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "boot_duration_seconds",
			Help:      "Time from domain creation to the guest signalling boot.",
			Buckets:   []float64{5, 10, 20, 40, 60, 90, 120},
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cli_invocations_total",
			Help:      "Control plane client invocations, by command and exit code.",
		}, []string{"command", "exit"}),
	}

	r.registry.MustRegister(r.scenarios, r.scenarioDuration, r.bootDuration, r.invocations)

	return r
}

// ObserveInvocation counts a client invocation.
func (r *Recorder) ObserveInvocation(command string, exitCode int) {
	r.invocations.WithLabelValues(command, strconv.Itoa(exitCode)).Inc()
}

// ObserveScenario records the outcome of a scenario.
func (r *Recorder) ObserveScenario(name, result string, d time.Duration) {
	r.scenarios.WithLabelValues(name, result).Inc()
	r.scenarioDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveBoot records how long a guest took to boot.
func (r *Recorder) ObserveBoot(d time.Duration) {
	r.bootDuration.Observe(d.Seconds())
}

// Registry returns the registry the metrics are registered in.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics to path for the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
