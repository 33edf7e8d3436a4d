package protocol

// MessageType is element 0 of every frame.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "Call"
	case MessageTypeCallResult:
		return "CallResult"
	case MessageTypeCallError:
		return "CallError"
	default:
		return "Unknown"
	}
}

// Version is a negotiated websocket subprotocol tag.
type Version string

const (
	Version16  Version = "ocpp1.6"
	Version20  Version = "ocpp2.0"
	Version201 Version = "ocpp2.0.1"
)

// Known reports whether v is one of the tags the gateway can serve.
func (v Version) Known() bool {
	switch v {
	case Version16, Version20, Version201:
		return true
	}
	return false
}

// Actions shared by both protocol generations.
const (
	ActionAuthorize          = "Authorize"
	ActionBootNotification   = "BootNotification"
	ActionDataTransfer       = "DataTransfer"
	ActionHeartbeat          = "Heartbeat"
	ActionMeterValues        = "MeterValues"
	ActionStatusNotification = "StatusNotification"
	ActionTriggerMessage     = "TriggerMessage"
)

// 1.6 only.
const (
	ActionGetConfiguration = "GetConfiguration"
	ActionStartTransaction = "StartTransaction"
	ActionStopTransaction  = "StopTransaction"
)

// 2.0.1 only.
const (
	ActionTransactionEvent = "TransactionEvent"
	ActionNotifyReport     = "NotifyReport"
)

// Registration and authorization statuses.
const (
	StatusAccepted     = "Accepted"
	StatusRejected     = "Rejected"
	StatusNotSupported = "NotSupported"
	StatusInvalid      = "Invalid"
)

// Connector statuses as reported by StatusNotification.
const (
	ConnectorAvailable     = "Available"
	ConnectorPreparing     = "Preparing"
	ConnectorCharging      = "Charging"
	ConnectorSuspendedEV   = "SuspendedEV"
	ConnectorSuspendedEVSE = "SuspendedEVSE"
	ConnectorFinishing     = "Finishing"
	ConnectorOccupied      = "Occupied"
	ConnectorReserved      = "Reserved"
	ConnectorUnavailable   = "Unavailable"
	ConnectorFaulted       = "Faulted"
)

// TransactionEvent event types.
const (
	TransactionStarted = "Started"
	TransactionUpdated = "Updated"
	TransactionEnded   = "Ended"
)

// CallError codes.
const (
	ErrorNotImplemented     = "NotImplemented"
	ErrorNotSupported       = "NotSupported"
	ErrorInternalError      = "InternalError"
	ErrorProtocolError      = "ProtocolError"
	ErrorFormationViolation = "FormationViolation"
	ErrorGenericError       = "GenericError"
)

// DefaultHeartbeatInterval is the interval, in seconds, handed out on boot.
const DefaultHeartbeatInterval = 300
