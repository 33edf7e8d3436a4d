package repository

import (
	"context"
	"database/sql"
	"fmt"

	"chargelink/backend/services/ws-gateway/internal/identity"
)

// ChargePointRepository reads registered identities straight from the
// registry database.
type ChargePointRepository struct {
	db *sql.DB
}

// NewChargePointRepository ctor.
func NewChargePointRepository(db *sql.DB) *ChargePointRepository {
	return &ChargePointRepository{db: db}
}

// Name identifies the repository as an identity source.
func (r *ChargePointRepository) Name() string {
	return "database"
}

// ListChargePoints returns all whitelisted charge points.
func (r *ChargePointRepository) ListChargePoints(ctx context.Context) ([]identity.ChargePoint, error) {
	const query = `
		SELECT charge_point_id, serial_number, COALESCE(ocpp_version, ''), COALESCE(endpoint_url, '')
		FROM charge_points
		WHERE whitelisted
		ORDER BY charge_point_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: list charge points: %w", err)
	}
	defer rows.Close()

	var out []identity.ChargePoint
	for rows.Next() {
		var cp identity.ChargePoint
		if err := rows.Scan(&cp.ChargePointID, &cp.SerialNumber, &cp.ProtocolVersion, &cp.EndpointURL); err != nil {
			return nil, fmt.Errorf("repository: scan charge point: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
