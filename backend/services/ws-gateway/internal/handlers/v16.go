package handlers

import (
	"context"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp"
	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
	"chargelink/backend/services/ws-gateway/internal/service"
)

// NewV16Strategy returns the action table for ocpp1.6 stations.
func NewV16Strategy(deps Deps) *ocpp.Strategy {
	d := deps.withDefaults()
	s := ocpp.NewStrategy(protocol.Version16)
	s.Register(protocol.ActionBootNotification, bootNotification16(d))
	s.Register(protocol.ActionHeartbeat, heartbeat(d))
	s.Register(protocol.ActionStatusNotification, statusNotification16(d))
	s.Register(protocol.ActionMeterValues, meterValues(d))
	s.Register(protocol.ActionAuthorize, authorize16(d))
	s.Register(protocol.ActionStartTransaction, startTransaction16(d))
	s.Register(protocol.ActionStopTransaction, stopTransaction16(d))
	s.Register(protocol.ActionGetConfiguration, getConfiguration16())
	s.Register(protocol.ActionDataTransfer, dataTransfer16())
	return s
}

func bootNotification16(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.BootNotificationRequest](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		now := d.Clock.Now().UTC()
		d.State.RecordBoot(chargePointID, req.ChargePointVendor, req.ChargePointModel, req.FirmwareVersion, now)
		d.Logger.Info("boot notification",
			zap.String("charge_point_id", chargePointID),
			zap.String("vendor", req.ChargePointVendor),
			zap.String("model", req.ChargePointModel),
		)
		return protocol.BootNotificationResponse{
			CurrentTime: now,
			Interval:    d.HeartbeatInterval,
			Status:      protocol.StatusAccepted,
		}, nil
	}
}

func heartbeat(d Deps) ocpp.HandlerFunc {
	return func(context.Context, string, json.RawMessage) (interface{}, error) {
		return protocol.HeartbeatResponse{CurrentTime: d.Clock.Now().UTC()}, nil
	}
}

func statusNotification16(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StatusNotificationRequest](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		if req.Status == "" {
			req.Status = protocol.ConnectorAvailable
		}
		at := d.Clock.Now().UTC()
		if req.Timestamp != nil {
			at = req.Timestamp.UTC()
		}
		d.State.UpdateConnector(chargePointID, req.ConnectorID, req.Status, req.ErrorCode, at)
		d.Logger.Debug("connector status",
			zap.String("charge_point_id", chargePointID),
			zap.Int("connector_id", req.ConnectorID),
			zap.String("status", req.Status),
		)
		return protocol.Empty{}, nil
	}
}

func meterValues(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.MeterValuesRequest](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		connector := req.ConnectorID
		if connector == 0 {
			connector = req.EvseID
		}
		if r, ok := reading(connector, req.MeterValue); ok {
			d.State.RecordMeter(chargePointID, r)
		}
		return protocol.Empty{}, nil
	}
}

func authorize16(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.AuthorizeRequest](payload)
		if err != nil || req.IDTag == "" {
			return protocol.AuthorizeResponse{IDTagInfo: protocol.IDTagInfo{Status: protocol.StatusInvalid}}, nil
		}
		return protocol.AuthorizeResponse{IDTagInfo: protocol.IDTagInfo{Status: protocol.StatusAccepted}}, nil
	}
}

func startTransaction16(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StartTransactionRequest](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		started := req.Timestamp
		if started.IsZero() {
			started = d.Clock.Now().UTC()
		}
		id := d.Transactions.Allocate(service.Transaction{
			ChargePointID: chargePointID,
			ConnectorID:   req.ConnectorID,
			IDTag:         req.IDTag,
			MeterStart:    req.MeterStart,
			StartedAt:     started,
		})
		d.State.UpdateConnector(chargePointID, req.ConnectorID, protocol.ConnectorCharging, "", started)
		d.Logger.Info("transaction started",
			zap.String("charge_point_id", chargePointID),
			zap.Int("connector_id", req.ConnectorID),
			zap.Int("transaction_id", id),
		)
		return protocol.StartTransactionResponse{
			TransactionID: id,
			IDTagInfo:     protocol.IDTagInfo{Status: protocol.StatusAccepted},
		}, nil
	}
}

func stopTransaction16(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StopTransactionRequest](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		tx, ok := d.Transactions.Delete(strconv.Itoa(req.TransactionID))
		if !ok {
			d.Logger.Warn("stop for unknown transaction",
				zap.String("charge_point_id", chargePointID),
				zap.Int("transaction_id", req.TransactionID),
			)
			return protocol.StopTransactionResponse{}, nil
		}
		stopped := req.Timestamp
		if stopped.IsZero() {
			stopped = d.Clock.Now().UTC()
		}
		d.State.UpdateConnector(chargePointID, tx.ConnectorID, protocol.ConnectorFinishing, "", stopped)
		d.Logger.Info("transaction stopped",
			zap.String("charge_point_id", chargePointID),
			zap.Int("transaction_id", req.TransactionID),
			zap.Int64("energy_wh", req.MeterStop-tx.MeterStart),
			zap.String("reason", req.Reason),
		)
		return protocol.StopTransactionResponse{IDTagInfo: &protocol.IDTagInfo{Status: protocol.StatusAccepted}}, nil
	}
}

func getConfiguration16() ocpp.HandlerFunc {
	return func(context.Context, string, json.RawMessage) (interface{}, error) {
		return protocol.GetConfigurationResponse{ConfigurationKey: []struct{}{}}, nil
	}
}

func dataTransfer16() ocpp.HandlerFunc {
	return func(context.Context, string, json.RawMessage) (interface{}, error) {
		return protocol.DataTransferResponse{Status: protocol.StatusAccepted}, nil
	}
}
