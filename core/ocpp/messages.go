package ocpp

import "encoding/json"

// Inbound actions handled by the engine.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionAuthorize          = "Authorize"
	ActionStatusNotification = "StatusNotification"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionDataTransfer       = "DataTransfer"
)

// Outbound (server-initiated) actions used by the core.
const (
	ActionTriggerMessage         = "TriggerMessage"
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionSetChargingProfile     = "SetChargingProfile"
)

// Authorization statuses returned in idTagInfo.
const (
	AuthAccepted = "Accepted"
	AuthInvalid  = "Invalid"
)

type BootNotificationReq struct {
	ChargePointVendor string `json:"chargePointVendor"`
	ChargePointModel  string `json:"chargePointModel"`
	SerialNumber      string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`
}

type BootNotificationConf struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

type HeartbeatConf struct {
	CurrentTime string `json:"currentTime"`
}

type IDTagInfo struct {
	Status     string `json:"status"`
	ExpiryDate string `json:"expiryDate,omitempty"`
}

type AuthorizeReq struct {
	IDTag string `json:"idTag"`
}

type AuthorizeConf struct {
	IDTagInfo IDTagInfo `json:"idTagInfo"`
}

type StatusNotificationReq struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type StartTransactionReq struct {
	ConnectorID int    `json:"connectorId"`
	IDTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type StartTransactionConf struct {
	TransactionID int       `json:"transactionId"`
	IDTagInfo     IDTagInfo `json:"idTagInfo"`
}

type StopTransactionReq struct {
	TransactionID int    `json:"transactionId"`
	IDTag         string `json:"idTag,omitempty"`
	MeterStop     int    `json:"meterStop"`
	Timestamp     string `json:"timestamp,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SampledValue is one measurand sample. Value arrives as a string from most
// vendors but a few send bare numbers, so it is kept raw until
// normalization.
type SampledValue struct {
	Value     json.RawMessage `json:"value"`
	Measurand string          `json:"measurand,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Context   string          `json:"context,omitempty"`
}

type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesReq struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type DataTransferReq struct {
	VendorID  string          `json:"vendorId"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type DataTransferConf struct {
	Status string `json:"status"`
	Data   string `json:"data,omitempty"`
}

type TriggerMessageReq struct {
	RequestedMessage string `json:"requestedMessage"`
	ConnectorID      *int   `json:"connectorId,omitempty"`
}

type RemoteStartTransactionReq struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IDTag       string `json:"idTag"`
}

type RemoteStopTransactionReq struct {
	TransactionID int `json:"transactionId"`
}

type ChargingSchedulePeriod struct {
	StartPeriod int     `json:"startPeriod"`
	Limit       float64 `json:"limit"`
}

type ChargingSchedule struct {
	ChargingRateUnit       string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod"`
}

type ChargingProfile struct {
	ChargingProfileID      int              `json:"chargingProfileId"`
	StackLevel             int              `json:"stackLevel"`
	ChargingProfilePurpose string           `json:"chargingProfilePurpose"`
	ChargingProfileKind    string           `json:"chargingProfileKind"`
	ChargingSchedule       ChargingSchedule `json:"chargingSchedule"`
}

type SetChargingProfileReq struct {
	ConnectorID       int             `json:"connectorId"`
	CSChargingProfile ChargingProfile `json:"csChargingProfiles"`
}
