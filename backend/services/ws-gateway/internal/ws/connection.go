package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FrameHandler consumes inbound text frames of one connection.
type FrameHandler func(ctx context.Context, raw []byte)

// PumpConfig tunes the socket pumps.
type PumpConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func (c PumpConfig) withDefaults() PumpConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1024 * 1024
	}
	return c
}

// Connection wraps one upgraded station socket and implements Peer.
type Connection struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	cfg    PumpConfig
	logger *zap.Logger

	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket.
func NewConnection(conn *websocket.Conn, cfg PumpConfig, logger *zap.Logger) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		ws:     conn,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

// Send enqueues a text frame for the write pump.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrPeerClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrPeerClosed
	default:
		return ErrSendBufferFull
	}
}

// Close writes a close frame and tears the socket down. Only the first call
// has an effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Serve runs the pumps until the socket fails or Close is called. Inbound
// frames are handed to handle one at a time, in arrival order.
func (c *Connection) Serve(ctx context.Context, handle FrameHandler) {
	go c.writePump()
	c.readPump(ctx, handle)
}

func (c *Connection) readPump(ctx context.Context, handle FrameHandler) {
	defer c.Close(websocket.CloseNormalClosure, "")

	readWait := 2 * c.cfg.PingInterval
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		kind, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection read closed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		handle(ctx, message)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}
