package protocol

import "time"

// NotSupportedResponse answers any action a strategy does not implement.
type NotSupportedResponse struct {
	Status string `json:"status"`
}

// BootNotificationRequest (1.6).
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

// BootNotificationResponse is shared by both generations.
type BootNotificationResponse struct {
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
	Status      string    `json:"status"`
}

// BootNotificationRequest201 nests the station description.
type BootNotificationRequest201 struct {
	Reason          string `json:"reason"`
	ChargingStation struct {
		Model           string `json:"model"`
		VendorName      string `json:"vendorName"`
		SerialNumber    string `json:"serialNumber,omitempty"`
		FirmwareVersion string `json:"firmwareVersion,omitempty"`
	} `json:"chargingStation"`
}

// HeartbeatResponse returns server time.
type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

// StatusNotificationRequest (1.6).
type StatusNotificationRequest struct {
	ConnectorID int        `json:"connectorId"`
	Status      string     `json:"status"`
	ErrorCode   string     `json:"errorCode"`
	Info        string     `json:"info,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// StatusNotificationRequest201 identifies connectors by evse.
type StatusNotificationRequest201 struct {
	Timestamp       time.Time `json:"timestamp"`
	ConnectorStatus string    `json:"connectorStatus"`
	EvseID          int       `json:"evseId"`
	ConnectorID     int       `json:"connectorId"`
}

// Empty is the acknowledgement body for actions without a response payload.
type Empty struct{}

// IDTagInfo carries an authorization verdict.
type IDTagInfo struct {
	Status string `json:"status"`
}

// AuthorizeRequest (1.6).
type AuthorizeRequest struct {
	IDTag string `json:"idTag"`
}

// AuthorizeResponse (1.6).
type AuthorizeResponse struct {
	IDTagInfo IDTagInfo `json:"idTagInfo"`
}

// AuthorizeResponse201 wraps the verdict in idTokenInfo.
type AuthorizeResponse201 struct {
	IDTokenInfo IDTagInfo `json:"idTokenInfo"`
}

// StartTransactionRequest (1.6).
type StartTransactionRequest struct {
	ConnectorID   int       `json:"connectorId"`
	IDTag         string    `json:"idTag"`
	MeterStart    int64     `json:"meterStart"`
	ReservationID *int      `json:"reservationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StartTransactionResponse (1.6).
type StartTransactionResponse struct {
	TransactionID int       `json:"transactionId"`
	IDTagInfo     IDTagInfo `json:"idTagInfo"`
}

// StopTransactionRequest (1.6).
type StopTransactionRequest struct {
	TransactionID int       `json:"transactionId"`
	IDTag         string    `json:"idTag,omitempty"`
	MeterStop     int64     `json:"meterStop"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason,omitempty"`
}

// StopTransactionResponse (1.6).
type StopTransactionResponse struct {
	IDTagInfo *IDTagInfo `json:"idTagInfo,omitempty"`
}

// SampledValue is one measurand reading.
type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// MeterValue groups readings taken at one instant.
type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

// MeterValuesRequest (1.6). 2.0.1 uses evseId instead of connectorId.
type MeterValuesRequest struct {
	ConnectorID   int          `json:"connectorId,omitempty"`
	EvseID        int          `json:"evseId,omitempty"`
	TransactionID *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

// DataTransferResponse (1.6).
type DataTransferResponse struct {
	Status string `json:"status"`
}

// GetConfigurationResponse acknowledges a configuration read with no keys.
type GetConfigurationResponse struct {
	ConfigurationKey []struct{} `json:"configurationKey"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

// TransactionEventRequest (2.0.1).
type TransactionEventRequest struct {
	EventType       string    `json:"eventType"`
	Timestamp       time.Time `json:"timestamp"`
	TriggerReason   string    `json:"triggerReason"`
	SeqNo           int       `json:"seqNo"`
	TransactionInfo struct {
		TransactionID string `json:"transactionId"`
		ChargingState string `json:"chargingState,omitempty"`
		StoppedReason string `json:"stoppedReason,omitempty"`
	} `json:"transactionInfo"`
	Evse *struct {
		ID          int `json:"id"`
		ConnectorID int `json:"connectorId,omitempty"`
	} `json:"evse,omitempty"`
	MeterValue []MeterValue `json:"meterValue,omitempty"`
}

// TransactionEventResponse (2.0.1).
type TransactionEventResponse struct {
	IDTokenInfo *IDTagInfo `json:"idTokenInfo,omitempty"`
}

// TriggerMessageRequest asks the station to send the named message.
type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	ConnectorID      *int   `json:"connectorId,omitempty"`
}
