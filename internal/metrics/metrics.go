/*
Copyright 2024 Medtrace Authors.

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

// Package metrics provides the Prometheus metrics of the dual-storage engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Coordinator
	Operations            *prometheus.CounterVec
	LedgerConfirmDuration *prometheus.HistogramVec

	// Reconciliation
	ReconcileActions *prometheus.CounterVec
	Exhausted        *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	Purged           prometheus.Counter

	// State
	RecordsByStatus *prometheus.GaugeVec

	// Verification
	Verifications *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. A nil reg uses a fresh registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "medtrace"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dual_write_operations_total",
				Help:      "Dual-write operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		LedgerConfirmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_confirmation_duration_seconds",
				Help:      "Time from ledger submission to a confirmation verdict",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"operation", "state"},
		),
		ReconcileActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_actions_total",
				Help:      "Actions taken by the reconciliation worker",
			},
			[]string{"kind", "action"},
		),
		Exhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_exhausted_total",
				Help:      "Records rolled back after exhausting reconciliation attempts",
			},
			[]string{"kind"},
		),
		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_sweep_duration_seconds",
				Help:      "Duration of one reconciliation sweep",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		Purged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rolled_back_purged_total",
				Help:      "Rolled back batches deleted after the retention window",
			},
		),
		RecordsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records_by_status",
				Help:      "Records per dual-storage status",
			},
			[]string{"kind", "status"},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Verification reads by verdict",
			},
			[]string{"verdict", "source"},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
