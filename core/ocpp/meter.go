package ocpp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/csms/core/model"
)

// NormalizeMeterValues folds the sampled measurements of a MeterValues
// frame into one reading. Vendors disagree on value encoding (string vs
// bare number), measurand naming and units, so everything is converted to
// kWh, A, V and kW. Later samples override earlier ones; the newest sample
// timestamp wins.
func NormalizeMeterValues(values []MeterValue, now time.Time) model.MeterReading {
	reading := model.MeterReading{SampledAt: now}
	for _, mv := range values {
		if ts, err := time.Parse(time.RFC3339, mv.Timestamp); err == nil {
			reading.SampledAt = ts
		}
		for _, sv := range mv.SampledValue {
			v, ok := numericValue(sv.Value)
			if !ok {
				continue
			}
			applySample(&reading, sv, v)
		}
	}
	return reading
}

func applySample(r *model.MeterReading, sv SampledValue, v float64) {
	measurand := strings.ToLower(sv.Measurand)
	unit := strings.ToLower(sv.Unit)
	switch {
	case measurand == "" || strings.HasPrefix(measurand, "energy"):
		// Default measurand is the energy register. Wh unless the vendor
		// says kWh.
		if unit == "kwh" {
			r.EnergyKWh = v
		} else {
			r.EnergyKWh = v / 1000
		}
	case strings.HasPrefix(measurand, "current"):
		r.CurrentA = v
	case strings.HasPrefix(measurand, "voltage"):
		r.VoltageV = v
	case strings.HasPrefix(measurand, "power"):
		if unit == "kw" {
			r.PowerKW = v
		} else {
			r.PowerKW = v / 1000
		}
	}
}

// numericValue extracts a float from a raw sampled value, accepting both
// the quoted-string form and bare numbers.
func numericValue(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	return 0, false
}
