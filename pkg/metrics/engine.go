// Copyright 2025 Fractal Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes task-queue and service-engine instrumentation.
type EngineMetrics struct {
	TasksClaimed      prometheus.Counter
	TasksReturned     *prometheus.CounterVec // outcome: complete|error|rejected
	ActiveServices    prometheus.Gauge
	StatusTransitions *prometheus.CounterVec // to: target status
}

// NewEngineMetrics registers the engine collectors on the server registry.
func NewEngineMetrics(server *Server) *EngineMetrics {
	m := &EngineMetrics{
		TasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fractal",
			Name:      "tasks_claimed_total",
			Help:      "Total tasks handed out to compute managers.",
		}),
		TasksReturned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fractal",
			Name:      "tasks_returned_total",
			Help:      "Total task results returned by compute managers, by outcome.",
		}, []string{"outcome"}),
		ActiveServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fractal",
			Name:      "services_active",
			Help:      "Service records currently waiting or running.",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fractal",
			Name:      "record_status_transitions_total",
			Help:      "Record status transitions, by target status.",
		}, []string{"to"}),
	}
	server.GetRegistry().MustRegister(
		m.TasksClaimed,
		m.TasksReturned,
		m.ActiveServices,
		m.StatusTransitions,
	)
	return m
}
