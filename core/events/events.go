// Package events defines the domain events exchanged on the internal bus.
// Handlers publish them after replying to a frame; the allocation scheduler
// and the MQTT event publisher subscribe.
package events

import (
	"time"

	"github.com/kilianp07/csms/core/model"
)

// ChargingStarted is published when a status transition or transaction
// frame indicates a connector began drawing power.
type ChargingStarted struct {
	CPID string
	CPSN string
	At   time.Time
}

// ChargingStopped is published when a connector stopped drawing power.
type ChargingStopped struct {
	CPID string
	CPSN string
	At   time.Time
}

// TransactionOpened is published after a StartTransaction frame has been
// persisted and acknowledged.
type TransactionOpened struct {
	ProtocolID int
	CPID       string
	CPSN       string
	At         time.Time
}

// TransactionClosed is published after a StopTransaction frame, or when the
// orphan reaper force-closes a session.
type TransactionClosed struct {
	ProtocolID int
	CPID       string
	CPSN       string
	Reason     string
	At         time.Time
}

// StationConnected is published when a station opens its first transport
// connection.
type StationConnected struct {
	CPSN string
	At   time.Time
}

// StationDisconnected is published when the last transport connection of a
// station closes.
type StationDisconnected struct {
	CPSN string
	At   time.Time
}

// AllocationApplied is published after a charging profile carrying an
// allocation result was pushed (or dropped because the target station had
// no open connection).
type AllocationApplied struct {
	Result    model.AllocationResult
	CPSN      string
	Delivered bool
	At        time.Time
}
