package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/csms/core/metrics"
)

// PromSink records allocation pushes in Prometheus metrics.
type PromSink struct {
	pushes  *prometheus.CounterVec
	limitKW *prometheus.GaugeVec
}

// NewPromSink registers allocation metrics on the default Prometheus
// registerer. The Prometheus server should be started separately.
func NewPromSink() (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_pushes_total",
		Help: "Total number of charging profile pushes",
	}, []string{"cpid", "source", "delivered"})
	limitKW := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "allocation_limit_kw",
		Help: "Last allocated power limit per connector in kW",
	}, []string{"cpid", "unit"})

	if err := reg.Register(pushes); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			pushes = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(limitKW); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			limitKW = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{pushes: pushes, limitKW: limitKW}, nil
}

// RecordAllocation increments the push counter and updates the limit gauge
// for each record.
func (s *PromSink) RecordAllocation(recs []coremetrics.AllocationRecord) error {
	for _, rec := range recs {
		s.pushes.WithLabelValues(rec.Result.CPID, rec.Source, strconv.FormatBool(rec.Delivered)).Inc()
		s.limitKW.WithLabelValues(rec.Result.CPID, string(rec.Result.Unit)).Set(rec.Result.LimitKW)
	}
	return nil
}
