package handlers

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp"
	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
	"chargelink/backend/services/ws-gateway/internal/service"
)

// NewV201Strategy returns the action table for ocpp2.0.1 stations. The same
// table serves stations that negotiated ocpp2.0.
func NewV201Strategy(deps Deps) *ocpp.Strategy {
	d := deps.withDefaults()
	s := ocpp.NewStrategy(protocol.Version201)
	s.Register(protocol.ActionBootNotification, bootNotification201(d))
	s.Register(protocol.ActionHeartbeat, heartbeat(d))
	s.Register(protocol.ActionStatusNotification, statusNotification201(d))
	s.Register(protocol.ActionTransactionEvent, transactionEvent201(d))
	s.Register(protocol.ActionAuthorize, authorize201())
	s.Register(protocol.ActionMeterValues, meterValues(d))
	s.Register(protocol.ActionNotifyReport, notifyReport201())
	return s
}

func bootNotification201(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.BootNotificationRequest201](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		now := d.Clock.Now().UTC()
		cs := req.ChargingStation
		d.State.RecordBoot(chargePointID, cs.VendorName, cs.Model, cs.FirmwareVersion, now)
		d.Logger.Info("boot notification",
			zap.String("charge_point_id", chargePointID),
			zap.String("reason", req.Reason),
		)
		return protocol.BootNotificationResponse{
			CurrentTime: now,
			Interval:    d.HeartbeatInterval,
			Status:      protocol.StatusAccepted,
		}, nil
	}
}

func statusNotification201(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StatusNotificationRequest201](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		at := req.Timestamp
		if at.IsZero() {
			at = d.Clock.Now().UTC()
		}
		d.State.UpdateConnector(chargePointID, req.EvseID, req.ConnectorStatus, "", at)
		return protocol.Empty{}, nil
	}
}

func transactionEvent201(d Deps) ocpp.HandlerFunc {
	return func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.TransactionEventRequest](payload)
		if err != nil {
			return nil, &ocpp.CallError{Code: protocol.ErrorFormationViolation, Description: err.Error()}
		}
		txID := req.TransactionInfo.TransactionID
		evse := 0
		if req.Evse != nil {
			evse = req.Evse.ID
		}
		at := req.Timestamp
		if at.IsZero() {
			at = d.Clock.Now().UTC()
		}
		log := d.Logger.With(zap.String("charge_point_id", chargePointID), zap.String("transaction_id", txID))

		switch req.EventType {
		case protocol.TransactionStarted:
			d.Transactions.Set(service.Transaction{ID: txID, ChargePointID: chargePointID, ConnectorID: evse, StartedAt: at})
			d.State.UpdateConnector(chargePointID, evse, protocol.ConnectorCharging, "", at)
			log.Info("transaction started")
		case protocol.TransactionEnded:
			if tx, ok := d.Transactions.Delete(txID); ok && evse == 0 {
				evse = tx.ConnectorID
			}
			d.State.UpdateConnector(chargePointID, evse, protocol.ConnectorFinishing, "", at)
			log.Info("transaction ended", zap.String("reason", req.TransactionInfo.StoppedReason))
		}

		if r, ok := reading(evse, req.MeterValue); ok {
			d.State.RecordMeter(chargePointID, r)
		}
		return protocol.TransactionEventResponse{}, nil
	}
}

func authorize201() ocpp.HandlerFunc {
	return func(context.Context, string, json.RawMessage) (interface{}, error) {
		return protocol.AuthorizeResponse201{IDTokenInfo: protocol.IDTagInfo{Status: protocol.StatusAccepted}}, nil
	}
}

func notifyReport201() ocpp.HandlerFunc {
	return func(context.Context, string, json.RawMessage) (interface{}, error) {
		return protocol.Empty{}, nil
	}
}
