package coordinator

// CostSource tells where a session cost came from.
type CostSource string

const (
	CostBackend  CostSource = "backend"
	CostEstimate CostSource = "estimate"
	CostUnknown  CostSource = "unknown"
)

// resolveRate picks the session-negotiated rate over the station default.
// Non-positive rates are unknown.
func resolveRate(sessionRate, stationRate float64) *float64 {
	switch {
	case sessionRate > 0:
		return ptr(sessionRate)
	case stationRate > 0:
		return ptr(stationRate)
	}
	return nil
}

// resolveCost prefers the backend figure; the local estimate is only used
// while the backend has none.
func resolveCost(backend, energyKWh, rate *float64) (*float64, CostSource) {
	if backend != nil {
		return ptr(*backend), CostBackend
	}
	if energyKWh != nil && rate != nil {
		return ptr(*energyKWh * *rate), CostEstimate
	}
	return nil, CostUnknown
}

func ptr(v float64) *float64 {
	return &v
}
