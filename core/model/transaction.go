package model

import "time"

// TransactionStatus defines the lifecycle state of a charging session.
type TransactionStatus string

const (
	TxActive    TransactionStatus = "Active"
	TxCompleted TransactionStatus = "Completed"
	TxError     TransactionStatus = "Error"
)

// Transaction represents one charging session from start frame to stop
// frame, or to forced closure by the orphan reaper.
type Transaction struct {
	ID string `json:"id"`
	// ProtocolID is the numeric identifier visible on the wire. Stations
	// echo it back in StopTransaction and MeterValues frames.
	ProtocolID int    `json:"protocol_id"`
	CPID       string `json:"cpid"`
	Tag        string `json:"tag"`

	MeterStartKWh float64 `json:"meter_start_kwh"`
	MeterStopKWh  float64 `json:"meter_stop_kwh"`
	StopReason    string  `json:"stop_reason,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Status TransactionStatus `json:"status"`

	// LastTelemetryAt advances whenever a meter-value frame references this
	// transaction. It must never regress while the transaction is active.
	LastTelemetryAt *time.Time `json:"last_telemetry_at,omitempty"`
}
