package model

// LimitUnit is the electrical unit of an allocation limit.
type LimitUnit string

const (
	UnitAmps  LimitUnit = "A"
	UnitWatts LimitUnit = "W"
)

// AllocationResult is the per-connector output of an allocation run. It is
// transient: recomputed on every scheduler fire and never persisted.
type AllocationResult struct {
	CPID  string    `json:"cpid"`
	Unit  LimitUnit `json:"unit"`
	Limit float64   `json:"limit"`
	// LimitKW expresses the limit back in kW for observability.
	LimitKW float64 `json:"limit_kw"`
	// Charging is the charging flag the engine actually used for this
	// connector during the computation.
	Charging bool `json:"charging"`
}
