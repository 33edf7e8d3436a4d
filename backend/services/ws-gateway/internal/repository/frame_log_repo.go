package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// Frame directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type frameRow struct {
	chargePointID string
	direction     string
	kind          string
	action        string
	payload       []byte
	at            time.Time
}

// FrameLogRepository appends raw protocol frames to ocpp_messages. Rows are
// queued and written by Run so the connection goroutines never wait on the
// database; when the queue is full rows are dropped.
type FrameLogRepository struct {
	db     *sql.DB
	queue  chan frameRow
	logger *zap.Logger
}

// NewFrameLogRepository ctor.
func NewFrameLogRepository(db *sql.DB, buffer int, logger *zap.Logger) *FrameLogRepository {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameLogRepository{db: db, queue: make(chan frameRow, buffer), logger: logger}
}

// Save queues one frame.
func (r *FrameLogRepository) Save(chargePointID, direction, kind, action string, payload []byte) {
	row := frameRow{
		chargePointID: chargePointID,
		direction:     direction,
		kind:          kind,
		action:        action,
		payload:       append([]byte(nil), payload...),
		at:            time.Now().UTC(),
	}
	select {
	case r.queue <- row:
	default:
		r.logger.Warn("frame log queue full, dropping row", zap.String("charge_point_id", chargePointID))
	}
}

// Run writes queued rows until ctx is done.
func (r *FrameLogRepository) Run(ctx context.Context) {
	const query = `
		INSERT INTO ocpp_messages (charge_point_id, direction, message_type, action, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-r.queue:
			writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, err := r.db.ExecContext(writeCtx, query, row.chargePointID, row.direction, row.kind, row.action, row.payload, row.at)
			cancel()
			if err != nil {
				r.logger.Warn("frame log insert failed", zap.String("charge_point_id", row.chargePointID), zap.Error(err))
			}
		}
	}
}
