package model

import "time"

// ElectricalClass identifies the current type delivered by a connector.
type ElectricalClass string

const (
	ClassAC ElectricalClass = "AC"
	ClassDC ElectricalClass = "DC"
)

// ConnectorStatus defines the live operating state of a connector.
type ConnectorStatus string

const (
	StatusAvailable   ConnectorStatus = "Available"
	StatusCharging    ConnectorStatus = "Charging"
	StatusUnavailable ConnectorStatus = "Unavailable"
	StatusFaulted     ConnectorStatus = "Faulted"
	StatusFinishing   ConnectorStatus = "Finishing"
)

// MeterReading is the normalized shape of a sampled measurement reported by
// a station. Vendors report measurands in varying formats; the protocol
// engine converts them all to this struct.
type MeterReading struct {
	EnergyKWh float64   `json:"energy_kwh"`
	CurrentA  float64   `json:"current_a"`
	VoltageV  float64   `json:"voltage_v"`
	PowerKW   float64   `json:"power_kw"`
	SampledAt time.Time `json:"sampled_at"`
}

// Connector represents one physical charging outlet with its own identity,
// status and meter.
type Connector struct {
	CPID           string          `json:"cpid"`
	CPSN           string          `json:"cpsn"`
	ConnectorIndex int             `json:"connector_index"`
	Class          ElectricalClass `json:"class"`
	RatedKW        float64         `json:"rated_kw"`
	Status         ConnectorStatus `json:"status"`
	Reading        MeterReading    `json:"reading"`

	// ActiveTransactionID references the in-flight charging session, if any.
	// At most one transaction may be active per connector.
	ActiveTransactionID *int `json:"active_transaction_id,omitempty"`
}

// IsCharging reports whether the connector's current status counts as a
// charging indicator. The match mirrors the transition classifier: a
// case-insensitive substring match on "charg" or "inuse".
func (c Connector) IsCharging() bool {
	return StatusIndicatesCharging(string(c.Status))
}
