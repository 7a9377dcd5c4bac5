// Package allocation computes per-connector electrical limits from the site
// configuration, the connector roster and the set of online connectors. The
// computation is a pure function: no state, no side effects, identical
// inputs yield identical outputs.
package allocation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/csms/core/model"
)

const (
	// acVoltage converts between kW and A on the AC side.
	acVoltage = 220.0
	// minAmps is the lowest limit an AC connector may receive. Below 6 A
	// most vehicles stop charging entirely.
	minAmps = 6.0
	// maxAmps caps high-power AC connectors.
	maxAmps = 48.0
	// highRatedKW marks the rated power above which the AC cap applies.
	highRatedKW = 11.0
	// minWatts is the lowest limit a DC connector may receive.
	minWatts = 1000.0
)

// floorKW is the budget consumed by a demand-set member that carries no AC
// demand of its own (DC class, zero rated, unknown class).
const floorKW = minAmps * acVoltage / 1000

// ErrNoCeiling indicates the site setting carries no usable power ceiling.
var ErrNoCeiling = errors.New("allocation: site ceiling must be positive")

// Allocate computes one AllocationResult per connector.
//
// Static mode takes every AC connector's rated kW as demand and scales all
// of them by ceiling/total when the total exceeds the ceiling; headroom
// left after the AC pass is split evenly across the DC connectors. Dynamic
// mode applies the same arithmetic restricted to connectors that are both
// online and currently charging; everything else receives the floor value.
// Dynamic mode with nobody charging is equivalent to static mode, since
// there is no demand signal to act on, and silently falls back to it.
func Allocate(setting model.SiteSetting, connectors []model.Connector, online map[string]bool) ([]model.AllocationResult, error) {
	if setting.CeilingKW <= 0 {
		return nil, ErrNoCeiling
	}
	if len(connectors) == 0 {
		return nil, nil
	}

	mode := setting.Mode
	demand := make(map[string]bool, len(connectors))
	if mode == model.ModeDynamic {
		for _, c := range connectors {
			if online[c.CPID] && c.IsCharging() {
				demand[c.CPID] = true
			}
		}
		if len(demand) == 0 {
			mode = model.ModeStatic
		}
	}
	if mode != model.ModeDynamic {
		for _, c := range connectors {
			demand[c.CPID] = true
		}
	}

	// AC demand pass over the demand set. DC-class and zero-rated members
	// contribute nothing but will consume the floor from the budget.
	var acDemands []float64
	for _, c := range connectors {
		if demand[c.CPID] && c.Class == model.ClassAC {
			acDemands = append(acDemands, c.RatedKW)
		}
	}
	totalAC := floats.Sum(acDemands)
	scale := 1.0
	if totalAC > setting.CeilingKW {
		scale = setting.CeilingKW / totalAC
	}

	results := make([]model.AllocationResult, len(connectors))
	consumedKW := 0.0
	dcCount := 0
	for i, c := range connectors {
		charging := online[c.CPID] && c.IsCharging()
		if !demand[c.CPID] {
			// Outside the demand set only the floor is granted.
			if c.Class == model.ClassDC {
				results[i] = dcResult(c, minWatts, charging)
			} else {
				results[i] = acResult(c, 0, charging)
			}
			continue
		}
		if c.Class == model.ClassDC {
			dcCount++
			consumedKW += floorKW
			continue
		}
		// Only AC-class members carry demand; an unrecognized class gets
		// the floor like a zero-rated connector.
		allocKW := 0.0
		if c.Class == model.ClassAC {
			allocKW = c.RatedKW * scale
		}
		results[i] = acResult(c, allocKW, charging)
		if allocKW > 0 {
			consumedKW += allocKW
		} else {
			consumedKW += floorKW
		}
	}

	if dcCount > 0 {
		share := (setting.CeilingKW - consumedKW) / float64(dcCount)
		watts := math.Floor(share * 1000)
		if watts <= 0 {
			watts = minWatts
		}
		for i, c := range connectors {
			if demand[c.CPID] && c.Class == model.ClassDC {
				results[i] = dcResult(c, watts, online[c.CPID] && c.IsCharging())
			}
		}
	}
	return results, nil
}

// acResult converts an AC kW share to a clamped amperage limit. A zero
// share still yields the 6 A floor so a connector never ends up unable to
// charge at all.
func acResult(c model.Connector, allocKW float64, charging bool) model.AllocationResult {
	amps := math.Floor(allocKW * 1000 / acVoltage)
	if amps < minAmps {
		amps = minAmps
	}
	if c.RatedKW >= highRatedKW && amps > maxAmps {
		amps = maxAmps
	}
	return model.AllocationResult{
		CPID:     c.CPID,
		Unit:     model.UnitAmps,
		Limit:    amps,
		LimitKW:  amps * acVoltage / 1000,
		Charging: charging,
	}
}

func dcResult(c model.Connector, watts float64, charging bool) model.AllocationResult {
	if watts < minWatts {
		watts = minWatts
	}
	return model.AllocationResult{
		CPID:     c.CPID,
		Unit:     model.UnitWatts,
		Limit:    watts,
		LimitKW:  watts / 1000,
		Charging: charging,
	}
}
