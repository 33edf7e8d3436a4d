package handlers

import (
	"strconv"
	"strings"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
	"chargelink/backend/services/ws-gateway/internal/service"
)

// Deps is what the version strategies record station activity into.
type Deps struct {
	State             *service.StationState
	Transactions      *service.TransactionStore
	Clock             clock.Clock
	Logger            *zap.Logger
	HeartbeatInterval int
}

func (d Deps) withDefaults() Deps {
	if d.State == nil {
		d.State = service.NewStationState()
	}
	if d.Transactions == nil {
		d.Transactions = service.NewTransactionStore(0)
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	return d
}

const (
	measurandEnergy = "Energy.Active.Import.Register"
	measurandPower  = "Power.Active.Import"
	measurandSoC    = "SoC"
)

// reading folds sampled values into one MeterReading. Energy is normalised
// to Wh and power to W. ok is false when no energy register was sampled.
func reading(connectorID int, values []protocol.MeterValue) (service.MeterReading, bool) {
	var out service.MeterReading
	found := false
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			v, err := strconv.ParseFloat(strings.TrimSpace(sv.Value), 64)
			if err != nil {
				continue
			}
			measurand := sv.Measurand
			if measurand == "" {
				measurand = measurandEnergy
			}
			switch measurand {
			case measurandEnergy:
				if strings.EqualFold(sv.Unit, "kWh") {
					v *= 1000
				}
				out.EnergyWh = v
				out.SampledAt = mv.Timestamp
				found = true
			case measurandPower:
				if strings.EqualFold(sv.Unit, "kW") {
					v *= 1000
				}
				out.PowerW = v
			case measurandSoC:
				out.SoCPercent = v
			}
		}
	}
	out.ConnectorID = connectorID
	return out, found
}
