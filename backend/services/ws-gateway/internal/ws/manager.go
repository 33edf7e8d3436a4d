package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp"
	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

var connectionIDGenerator = func() string { return uuid.NewString() }

// Dispatcher routes a Call to the strategy for version.
type Dispatcher interface {
	Dispatch(ctx context.Context, version protocol.Version, chargePointID string, call *ocpp.Frame) (*ocpp.Frame, error)
}

// FrameLogger receives every frame read or written.
type FrameLogger interface {
	Save(chargePointID, direction, kind, action string, payload []byte)
}

type deviceConn struct {
	id            string
	chargePointID string
	serial        string
	version       protocol.Version
	remoteAddr    string
	connectedAt   time.Time
	lastHeartbeat time.Time
	status        Status
	peer          Peer
	calls         *ocpp.PendingCalls
}

func (c *deviceConn) snapshot() Snapshot {
	return Snapshot{
		ConnectionID:    c.id,
		ChargePointID:   c.chargePointID,
		SerialNumber:    c.serial,
		ProtocolVersion: c.version,
		Status:          c.status,
		ConnectedAt:     c.connectedAt,
		LastHeartbeatAt: c.lastHeartbeat,
		RemoteAddr:      c.remoteAddr,
	}
}

// ManagerConfig configures Manager.
type ManagerConfig struct {
	Gate        *Gate
	Dispatcher  Dispatcher
	Clock       clock.Clock
	Listener    Listener
	FrameLog    FrameLogger
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Manager owns the table of live device connections. It is the only
// component that changes a connection's status.
type Manager struct {
	mu            sync.RWMutex
	conns         map[string]*deviceConn
	byChargePoint map[string]string
	connecting    atomic.Int64

	gate        *Gate
	dispatcher  Dispatcher
	clock       clock.Clock
	listener    Listener
	frameLog    FrameLogger
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		conns:         make(map[string]*deviceConn),
		byChargePoint: make(map[string]string),
		gate:          cfg.Gate,
		dispatcher:    cfg.Dispatcher,
		clock:         cfg.Clock,
		listener:      cfg.Listener,
		frameLog:      cfg.FrameLog,
		callTimeout:   cfg.CallTimeout,
		logger:        cfg.Logger,
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	if m.listener == nil {
		m.listener = Listeners(nil)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Open validates h and, on success, registers peer as the CONNECTED
// connection of the charge point. A previous connection of the same charge
// point is closed with ReasonReplaced. On failure nothing is registered and
// the returned error matches ErrConnectionRejected; closing the peer is the
// caller's job.
func (m *Manager) Open(ctx context.Context, h Handshake, peer Peer) (Snapshot, error) {
	m.connecting.Add(1)
	defer m.connecting.Add(-1)

	if m.gate != nil {
		if _, err := m.gate.Verify(ctx, h); err != nil {
			m.logger.Warn("connection rejected",
				zap.String("charge_point_id", h.ChargePointID),
				zap.String("serial_number", h.SerialNumber),
				zap.String("version", string(h.Version)),
				zap.Error(err),
			)
			m.listener.ConnectionRejected(h, err)
			return Snapshot{}, err
		}
	}

	now := m.clock.Now()
	conn := &deviceConn{
		id:            connectionIDGenerator(),
		chargePointID: h.ChargePointID,
		serial:        h.SerialNumber,
		version:       h.Version,
		remoteAddr:    h.RemoteAddr,
		connectedAt:   now,
		lastHeartbeat: now,
		status:        StatusConnected,
		peer:          peer,
		calls:         ocpp.NewPendingCalls(m.clock, m.callTimeout),
	}

	m.mu.Lock()
	var replaced *deviceConn
	if prevID, ok := m.byChargePoint[h.ChargePointID]; ok {
		replaced = m.removeLocked(prevID, StatusClosed)
	}
	m.conns[conn.id] = conn
	m.byChargePoint[conn.chargePointID] = conn.id
	snap := conn.snapshot()
	m.mu.Unlock()

	if replaced != nil {
		m.finishClose(replaced, ReasonReplaced)
	}

	m.logger.Info("connection established",
		zap.String("charge_point_id", snap.ChargePointID),
		zap.String("connection_id", snap.ConnectionID),
		zap.String("version", string(snap.ProtocolVersion)),
	)
	m.listener.ConnectionOpened(snap)
	return snap, nil
}

// HandleFrame processes one inbound frame in arrival order for its
// connection. Every frame refreshes the liveness timestamp. Calls are
// answered through the peer; results and errors complete pending
// gateway-originated Calls and are never answered. A malformed frame is
// dropped and reported as an error wrapping ocpp.ErrParse.
func (m *Manager) HandleFrame(ctx context.Context, connectionID string, raw []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok || conn.status != StatusConnected {
		m.mu.Unlock()
		return ErrUnknownConnection
	}
	conn.lastHeartbeat = m.clock.Now()
	m.mu.Unlock()

	frame, err := ocpp.Parse(raw)
	if err != nil {
		m.listener.FrameReceived(conn.version, "invalid")
		m.logFrame(conn, "inbound", "Invalid", "", raw)
		return err
	}
	m.listener.FrameReceived(conn.version, frame.Type.String())
	m.logFrame(conn, "inbound", frame.Type.String(), frame.Action, raw)

	switch frame.Type {
	case protocol.MessageTypeCall:
		return m.answer(ctx, conn, frame)
	default:
		if !conn.calls.Resolve(frame) {
			m.logger.Debug("unmatched reply dropped",
				zap.String("charge_point_id", conn.chargePointID),
				zap.String("message_id", frame.ID),
			)
		}
		return nil
	}
}

func (m *Manager) answer(ctx context.Context, conn *deviceConn, call *ocpp.Frame) error {
	reply, err := m.dispatcher.Dispatch(ctx, conn.version, conn.chargePointID, call)
	if errors.Is(err, ocpp.ErrUnsupportedVersion) {
		reply = ocpp.NewCallError(call.ID, protocol.ErrorNotImplemented, err.Error())
	} else if err != nil {
		reply = ocpp.NewCallError(call.ID, protocol.ErrorInternalError, err.Error())
	}

	out, err := ocpp.Serialize(reply)
	if err != nil {
		return fmt.Errorf("ws: encode reply to %s: %w", call.Action, err)
	}
	m.logFrame(conn, "outbound", reply.Type.String(), call.Action, out)
	if err := conn.peer.Send(out); err != nil {
		return fmt.Errorf("ws: send reply to %s: %w", call.Action, err)
	}
	return nil
}

// Call sends a gateway-originated Call to the charge point and waits for the
// reply, the call timeout or ctx.
func (m *Manager) Call(ctx context.Context, chargePointID, action string, payload interface{}) (ocpp.CallOutcome, error) {
	m.mu.RLock()
	id, ok := m.byChargePoint[chargePointID]
	var conn *deviceConn
	if ok {
		conn = m.conns[id]
	}
	m.mu.RUnlock()
	if conn == nil {
		return ocpp.CallOutcome{}, ErrUnknownConnection
	}

	frame, err := ocpp.NewCall(ocpp.NewMessageID(), action, payload)
	if err != nil {
		return ocpp.CallOutcome{}, err
	}
	raw, err := ocpp.Serialize(frame)
	if err != nil {
		return ocpp.CallOutcome{}, err
	}

	done := conn.calls.Track(frame.ID, action)
	if err := conn.peer.Send(raw); err != nil {
		conn.calls.Abandon(frame.ID)
		return ocpp.CallOutcome{}, err
	}
	m.logFrame(conn, "outbound", frame.Type.String(), action, raw)

	select {
	case out := <-done:
		return out, out.Err
	case <-ctx.Done():
		conn.calls.Abandon(frame.ID)
		return ocpp.CallOutcome{}, ctx.Err()
	}
}

// Close removes the connection and closes its peer. Closing an id that is
// not registered is a no-op and returns false.
func (m *Manager) Close(connectionID string, reason Reason) bool {
	m.mu.Lock()
	conn := m.removeLocked(connectionID, StatusClosed)
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	m.finishClose(conn, reason)
	return true
}

// EvictIfStale closes the connection with ReasonStaleConnection when it is
// still CONNECTED and has been silent for longer than threshold at now. The
// check and the removal happen under one lock, so a frame that arrived in
// between keeps the connection alive.
func (m *Manager) EvictIfStale(connectionID string, threshold time.Duration, now time.Time) bool {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok || conn.status != StatusConnected || now.Sub(conn.lastHeartbeat) <= threshold {
		m.mu.Unlock()
		return false
	}
	conn = m.removeLocked(connectionID, StatusStale)
	m.mu.Unlock()

	m.logger.Info("evicting stale connection",
		zap.String("charge_point_id", conn.chargePointID),
		zap.String("connection_id", conn.id),
		zap.Duration("idle", now.Sub(conn.lastHeartbeat)),
	)
	m.finishClose(conn, ReasonStaleConnection)
	return true
}

// CloseAll closes every connection with reason.
func (m *Manager) CloseAll(reason Reason) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.Close(id, reason) {
			n++
		}
	}
	return n
}

// removeLocked detaches the record from both indexes and marks it with
// status. Callers hold m.mu.
func (m *Manager) removeLocked(connectionID string, status Status) *deviceConn {
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil
	}
	delete(m.conns, connectionID)
	if m.byChargePoint[conn.chargePointID] == connectionID {
		delete(m.byChargePoint, conn.chargePointID)
	}
	conn.status = status
	return conn
}

func (m *Manager) finishClose(conn *deviceConn, reason Reason) {
	code := websocket.CloseNormalClosure
	if reason == ReasonStaleConnection || reason == ReasonReplaced {
		code = websocket.ClosePolicyViolation
	}
	if reason == ReasonShutdown {
		code = websocket.CloseGoingAway
	}
	conn.peer.Close(code, string(reason))
	conn.calls.CancelAll(ocpp.ErrConnectionClosed)

	snap := conn.snapshot()
	m.logger.Info("connection closed",
		zap.String("charge_point_id", snap.ChargePointID),
		zap.String("connection_id", snap.ConnectionID),
		zap.String("reason", string(reason)),
	)
	m.listener.ConnectionClosed(snap, reason)
}

func (m *Manager) logFrame(conn *deviceConn, direction, kind, action string, raw []byte) {
	if m.frameLog != nil {
		m.frameLog.Save(conn.chargePointID, direction, kind, action, raw)
	}
	if ce := m.logger.Check(zap.DebugLevel, "frame"); ce != nil {
		ce.Write(
			zap.String("charge_point_id", conn.chargePointID),
			zap.String("direction", direction),
			zap.String("kind", kind),
			zap.ByteString("raw", raw),
		)
	}
}

// Get returns the snapshot of one connection.
func (m *Manager) Get(connectionID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return Snapshot{}, false
	}
	return conn.snapshot(), true
}

// ForChargePoint returns the live connection of a charge point.
func (m *Manager) ForChargePoint(chargePointID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byChargePoint[chargePointID]
	if !ok {
		return Snapshot{}, false
	}
	return m.conns[id].snapshot(), true
}

// Snapshots lists every registered connection ordered by charge point id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChargePointID < out[j].ChargePointID })
	return out
}

// Statistics counts connections by status and protocol version. Handshakes
// still being validated are counted as CONNECTING.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{
		ByStatus:      make(map[Status]int),
		ByVersion:     make(map[protocol.Version]int),
		ByChargePoint: make(map[string]Status, len(m.conns)),
	}
	if n := int(m.connecting.Load()); n > 0 {
		stats.ByStatus[StatusConnecting] = n
		stats.Total += n
	}
	for _, conn := range m.conns {
		stats.Total++
		stats.ByStatus[conn.status]++
		stats.ByVersion[conn.version]++
		stats.ByChargePoint[conn.chargePointID] = conn.status
	}
	return stats
}
