package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	scheduled     prometheus.Counter
	suppressed    prometheus.Counter
	sweeps        prometheus.Counter
	computeErrors prometheus.Counter
	pushes        *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Counter, prometheus.Counter, prometheus.Counter, prometheus.Counter, *prometheus.CounterVec) {
	sch := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_scheduled_total",
			Help: "Number of debounced allocation recomputes scheduled",
		},
	)
	sup := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_suppressed_total",
			Help: "Number of fires suppressed by the minimum re-fire interval",
		},
	)
	swp := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_sweeps_total",
			Help: "Number of reconciliation sweeps executed",
		},
	)
	cerr := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_compute_errors_total",
			Help: "Number of allocation cycles aborted by a compute error",
		},
	)
	psh := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_pushes_total",
			Help: "Number of charging profile pushes by delivery outcome",
		},
		[]string{"outcome"},
	)
	return sch, sup, swp, cerr, psh
}

func init() {
	scheduled, suppressed, sweeps, computeErrors, pushes = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers scheduler metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(scheduled, suppressed, sweeps, computeErrors, pushes)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	scheduled, suppressed, sweeps, computeErrors, pushes = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
