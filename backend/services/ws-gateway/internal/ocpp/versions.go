package ocpp

import (
	"strings"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

// Negotiate picks the first offered subprotocol tag that appears in
// supported. The client's order wins.
func Negotiate(offered []string, supported []protocol.Version) (protocol.Version, bool) {
	for _, tag := range offered {
		candidate := protocol.Version(strings.ToLower(strings.TrimSpace(tag)))
		for _, s := range supported {
			if candidate == s {
				return s, true
			}
		}
	}
	return "", false
}

// ParseVersions converts configured tags, ignoring unknown ones.
func ParseVersions(tags []string) []protocol.Version {
	out := make([]protocol.Version, 0, len(tags))
	for _, tag := range tags {
		v := protocol.Version(strings.ToLower(strings.TrimSpace(tag)))
		if v.Known() {
			out = append(out, v)
		}
	}
	return out
}

// SameVersion compares a negotiated tag with the version recorded in the
// registry, which may be written as "1.6", "OCPP1.6" or "ocpp1.6".
func SameVersion(negotiated protocol.Version, registered string) bool {
	r := strings.ToLower(strings.TrimSpace(registered))
	if r == "" {
		return true
	}
	if !strings.HasPrefix(r, "ocpp") {
		r = "ocpp" + r
	}
	if protocol.Version(r) == negotiated {
		return true
	}
	// 2.0 and 2.0.1 are served by the same strategy.
	twoOh := func(v string) bool { return v == string(protocol.Version20) || v == string(protocol.Version201) }
	return twoOh(r) && twoOh(string(negotiated))
}
