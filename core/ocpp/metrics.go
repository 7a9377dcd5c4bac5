package ocpp

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesHandled *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	framesDropped prometheus.Counter
	sendFailures  prometheus.Counter
	auditFailures prometheus.Counter
	commandsSent  *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Counter, *prometheus.CounterVec) {
	handled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpp_frames_handled_total",
			Help: "Number of inbound call frames handled",
		},
		[]string{"action"},
	)
	errs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpp_handler_errors_total",
			Help: "Number of call frames answered with a call-error",
		},
		[]string{"action"},
	)
	dropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocpp_frames_dropped_total",
			Help: "Number of inbound frames dropped because they could not be decoded",
		},
	)
	sendFail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocpp_send_failures_total",
			Help: "Number of failed writes to station connections",
		},
	)
	auditFail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocpp_audit_failures_total",
			Help: "Number of audit log writes that failed",
		},
	)
	sent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpp_commands_sent_total",
			Help: "Number of server-initiated calls sent to stations",
		},
		[]string{"action"},
	)
	return handled, errs, dropped, sendFail, auditFail, sent
}

func init() {
	framesHandled, handlerErrors, framesDropped, sendFailures, auditFailures, commandsSent = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers protocol metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(framesHandled, handlerErrors, framesDropped, sendFailures, auditFailures, commandsSent)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	framesHandled, handlerErrors, framesDropped, sendFailures, auditFailures, commandsSent = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
