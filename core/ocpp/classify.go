package ocpp

import (
	"encoding/json"

	"github.com/kilianp07/csms/core/model"
)

// Transition classifies what a frame implies about a connector's charging
// state.
type Transition int

const (
	TransitionIndeterminate Transition = iota
	TransitionStarted
	TransitionStopped
)

func (t Transition) String() string {
	switch t {
	case TransitionStarted:
		return "started"
	case TransitionStopped:
		return "stopped"
	default:
		return "indeterminate"
	}
}

// Classify maps an inbound action and payload to a charging transition.
// StartTransaction and StopTransaction are authoritative. A
// StatusNotification counts as started when the status text contains a
// charging indicator and as stopped when it names an idle state; anything
// else, including MeterValues and unrecognized actions, is indeterminate.
// Only non-indeterminate results trigger reallocation.
func Classify(action string, payload json.RawMessage) Transition {
	switch action {
	case ActionStartTransaction:
		return TransitionStarted
	case ActionStopTransaction:
		return TransitionStopped
	case ActionStatusNotification:
		var req StatusNotificationReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return TransitionIndeterminate
		}
		if model.StatusIndicatesCharging(req.Status) {
			return TransitionStarted
		}
		if model.StatusIndicatesIdle(req.Status) {
			return TransitionStopped
		}
	}
	return TransitionIndeterminate
}
