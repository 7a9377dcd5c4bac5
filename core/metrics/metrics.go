package metrics

import (
	"time"

	"github.com/kilianp07/csms/core/model"
)

// AllocationRecord represents one pushed (or dropped) allocation decision
// to be recorded for observability.
type AllocationRecord struct {
	Result    model.AllocationResult
	CPSN      string
	Source    string
	Delivered bool
	Time      time.Time
}

// Sink records allocation decisions. Implementations must be safe for
// concurrent use; scheduler runs fire from independent goroutines.
type Sink interface {
	RecordAllocation(recs []AllocationRecord) error
}

// FrameRecord captures one handled protocol frame for sinks that track
// traffic.
type FrameRecord struct {
	CPSN      string
	Action    string
	Direction string
	Time      time.Time
}

// FrameRecorder is implemented by sinks able to record protocol traffic.
type FrameRecorder interface {
	RecordFrame(rec FrameRecord) error
}

// NopSink implements Sink with no-op methods.
type NopSink struct{}

func (NopSink) RecordAllocation([]AllocationRecord) error { return nil }
func (NopSink) RecordFrame(FrameRecord) error             { return nil }
