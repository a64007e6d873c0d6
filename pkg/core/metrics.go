// Copyright © 2024 Quillstor, Inc.
package core

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillstor_core_dispatch_total",
			Help: "Operations submitted to the driver.",
		},
		[]string{"op"},
	)
	dispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillstor_core_dispatch_errors_total",
			Help: "Submissions rejected synchronously by the driver.",
		},
		[]string{"op"},
	)
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillstor_core_completions_total",
			Help: "Completions delivered by the driver.",
		},
		[]string{"op", "result"},
	)
	staleCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quillstor_core_stale_completions_total",
			Help: "Completion callbacks whose bridge token was no longer live.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchErrors, completionsTotal, staleCompletions)
}
