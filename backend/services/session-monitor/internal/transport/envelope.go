package transport

import (
	"bytes"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// MessageType names an envelope.
type MessageType string

// Request, response and push types spoken by the real-time endpoint.
const (
	TypeAuthRequest       MessageType = "auth_request"
	TypeAuthResponse      MessageType = "auth_response"
	TypeStartCharging     MessageType = "start_charging_request"
	TypeStopCharging      MessageType = "stop_charging_request"
	TypeStatusRequest     MessageType = "status_request"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeStatusUpdate      MessageType = "charging_status_update"
	TypeMeterValuesUpdate MessageType = "meter_values_update"
	TypeError             MessageType = "error"
)

// Envelope is the frame exchanged in both directions. A response carries the
// id of the request it answers.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error part of an error-shaped envelope.
type ErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// TransactionID accepts both JSON strings and numbers; stations report
// numeric ids while the backend uses strings.
type TransactionID string

func (id *TransactionID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TransactionID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return err
	}
	*id = TransactionID(data)
	return nil
}

type AuthRequest struct {
	Token string `json:"token"`
}

type AuthResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

type StartChargingRequest struct {
	ChargePointID string `json:"chargePointId"`
	ConnectorID   int    `json:"connectorId"`
	IDTag         string `json:"idTag"`
	UserID        string `json:"userId"`
}

// Start command outcomes.
const (
	StartAccepted   = "Accepted"
	StartRejected   = "Rejected"
	StartInProgress = "InProgress"
)

type StartChargingResponse struct {
	Success       bool          `json:"success"`
	TransactionID TransactionID `json:"transactionId,omitempty"`
	ConnectorID   int           `json:"connectorId"`
	Status        string        `json:"status"`
	Message       string        `json:"message,omitempty"`
}

type StopChargingRequest struct {
	ChargePointID string        `json:"chargePointId"`
	TransactionID TransactionID `json:"transactionId"`
	UserID        string        `json:"userId"`
	Reason        string        `json:"reason,omitempty"`
}

type StopChargingResponse struct {
	Success       bool          `json:"success"`
	TransactionID TransactionID `json:"transactionId,omitempty"`
	Status        string        `json:"status,omitempty"`
	Message       string        `json:"message,omitempty"`
}

type StatusRequest struct {
	ChargePointID string `json:"chargePointId"`
	ConnectorID   int    `json:"connectorId"`
}

// StatusUpdate is pushed on every connector status change and answers a
// status_request.
type StatusUpdate struct {
	ChargePointID string        `json:"chargePointId"`
	ConnectorID   int           `json:"connectorId"`
	Status        string        `json:"status"`
	TransactionID TransactionID `json:"transactionId,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

type MeterValue struct {
	EnergyImportKWh float64   `json:"energyImportKWh"`
	PowerKW         float64   `json:"powerKw"`
	Voltage         float64   `json:"voltage"`
	Current         float64   `json:"current"`
	StateOfCharge   *float64  `json:"stateOfCharge,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type MeterValuesUpdate struct {
	ChargePointID string        `json:"chargePointId"`
	ConnectorID   int           `json:"connectorId"`
	TransactionID TransactionID `json:"transactionId,omitempty"`
	MeterValue    MeterValue    `json:"meterValue"`
}
