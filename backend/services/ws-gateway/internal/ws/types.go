package ws

import (
	"time"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

// Status is the lifecycle state of a device connection.
type Status string

const (
	StatusConnecting Status = "CONNECTING"
	StatusConnected  Status = "CONNECTED"
	StatusStale      Status = "STALE"
	StatusClosed     Status = "CLOSED"
)

// Reason says why a connection was closed.
type Reason string

const (
	ReasonStaleConnection Reason = "StaleConnection"
	ReasonReplaced        Reason = "Replaced"
	ReasonPeerClosed      Reason = "PeerClosed"
	ReasonShutdown        Reason = "Shutdown"
	ReasonAdmin           Reason = "AdminClose"
)

// Handshake is what a station claims when it opens a connection.
type Handshake struct {
	ChargePointID string
	SerialNumber  string
	Version       protocol.Version
	RemoteAddr    string
}

// Snapshot is a read-only copy of one connection record.
type Snapshot struct {
	ConnectionID    string           `json:"connectionId"`
	ChargePointID   string           `json:"chargePointId"`
	SerialNumber    string           `json:"serialNumber"`
	ProtocolVersion protocol.Version `json:"protocolVersion"`
	Status          Status           `json:"status"`
	ConnectedAt     time.Time        `json:"connectedAt"`
	LastHeartbeatAt time.Time        `json:"lastHeartbeatAt"`
	RemoteAddr      string           `json:"remoteAddr,omitempty"`
}

// Statistics aggregates the connection table.
type Statistics struct {
	Total         int                      `json:"total"`
	ByStatus      map[Status]int           `json:"byStatus"`
	ByVersion     map[protocol.Version]int `json:"byVersion"`
	ByChargePoint map[string]Status        `json:"byChargePoint"`
}

// Peer is the transport end of a connection.
type Peer interface {
	// Send queues one text frame without blocking.
	Send(frame []byte) error
	// Close sends a close frame with code and reason and tears the
	// transport down. It must not block and must tolerate repeat calls.
	Close(code int, reason string)
}

// Listener observes connection lifecycle events. Implementations must not
// block; the manager calls them inline.
type Listener interface {
	ConnectionOpened(s Snapshot)
	ConnectionClosed(s Snapshot, reason Reason)
	ConnectionRejected(h Handshake, err error)
	FrameReceived(version protocol.Version, kind string)
}

// Listeners fans events out to several listeners.
type Listeners []Listener

func (ls Listeners) ConnectionOpened(s Snapshot) {
	for _, l := range ls {
		l.ConnectionOpened(s)
	}
}

func (ls Listeners) ConnectionClosed(s Snapshot, reason Reason) {
	for _, l := range ls {
		l.ConnectionClosed(s, reason)
	}
}

func (ls Listeners) ConnectionRejected(h Handshake, err error) {
	for _, l := range ls {
		l.ConnectionRejected(h, err)
	}
}

func (ls Listeners) FrameReceived(version protocol.Version, kind string) {
	for _, l := range ls {
		l.FrameReceived(version, kind)
	}
}
