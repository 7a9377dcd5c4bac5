package ocpp

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		action  string
		payload string
		want    Transition
	}{
		{"start transaction", ActionStartTransaction, `{}`, TransitionStarted},
		{"stop transaction", ActionStopTransaction, `{}`, TransitionStopped},
		{"status charging", ActionStatusNotification, `{"status":"Charging"}`, TransitionStarted},
		{"status in use", ActionStatusNotification, `{"status":"InUse"}`, TransitionStarted},
		{"vendor charging variant", ActionStatusNotification, `{"status":"SuspendedCharging"}`, TransitionStarted},
		{"status available", ActionStatusNotification, `{"status":"Available"}`, TransitionStopped},
		{"status faulted", ActionStatusNotification, `{"status":"Faulted"}`, TransitionStopped},
		{"status finishing", ActionStatusNotification, `{"status":"Finishing"}`, TransitionStopped},
		{"unknown status", ActionStatusNotification, `{"status":"Reserved"}`, TransitionIndeterminate},
		{"bad payload", ActionStatusNotification, `nope`, TransitionIndeterminate},
		{"meter values", ActionMeterValues, `{}`, TransitionIndeterminate},
		{"heartbeat", ActionHeartbeat, `{}`, TransitionIndeterminate},
	}
	for _, tc := range cases {
		got := Classify(tc.action, json.RawMessage(tc.payload))
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
