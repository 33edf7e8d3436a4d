package ws

import (
	"context"
	"time"

	"chargelink/backend/services/ws-gateway/internal/identity"
	"chargelink/backend/services/ws-gateway/internal/ocpp"
)

// Rejection reasons sent in the close frame.
const (
	RejectUnknownSerial       = "unknown serial number"
	RejectChargePointMismatch = "charge point id mismatch"
	RejectVersionMismatch     = "protocol version mismatch"
	RejectRegistryRefused     = "registry refused charge point"
	RejectRegistryFailed      = "registry validation failed"
)

// IdentityLookup resolves a serial to its registered identity.
type IdentityLookup interface {
	Lookup(serial string) (identity.ChargePoint, error)
}

// RemoteValidator asks the registry to confirm a handshake.
type RemoteValidator interface {
	Validate(ctx context.Context, chargePointID, serial, version string) (bool, error)
}

// Gate decides whether a handshake may reach CONNECTED.
type Gate struct {
	identities IdentityLookup
	remote     RemoteValidator
	timeout    time.Duration
}

// NewGate builds a gate. remote may be nil to skip registry validation.
func NewGate(identities IdentityLookup, remote RemoteValidator, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{identities: identities, remote: remote, timeout: timeout}
}

// Verify checks h against the identity cache and then the registry. Any
// failure, including an unreachable registry, rejects.
func (g *Gate) Verify(ctx context.Context, h Handshake) (identity.ChargePoint, error) {
	cp, err := g.identities.Lookup(h.SerialNumber)
	if err != nil {
		return identity.ChargePoint{}, reject(RejectUnknownSerial, err)
	}
	if cp.ChargePointID != h.ChargePointID {
		return identity.ChargePoint{}, reject(RejectChargePointMismatch, nil)
	}
	if !ocpp.SameVersion(h.Version, cp.ProtocolVersion) {
		return identity.ChargePoint{}, reject(RejectVersionMismatch, nil)
	}

	if g.remote == nil {
		return cp, nil
	}
	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ok, err := g.remote.Validate(vctx, h.ChargePointID, h.SerialNumber, string(h.Version))
	if err != nil {
		return identity.ChargePoint{}, reject(RejectRegistryFailed, err)
	}
	if !ok {
		return identity.ChargePoint{}, reject(RejectRegistryRefused, nil)
	}
	return cp, nil
}
