package coordinator

import (
	"strings"
	"unicode"
)

// State is the coordinator's position in a charging session.
type State string

const (
	StateIdle             State = "IDLE"
	StateInitiating       State = "INITIATING"
	StateInitiateConflict State = "INITIATE_CONFLICT"
	StateReady            State = "READY"
	StateCharging         State = "CHARGING"
	StateStopping         State = "STOPPING"
	StateFinalizing       State = "FINALIZING"
	StateSummarized       State = "SUMMARIZED"
)

var transitions = map[State][]State{
	StateIdle:             {StateInitiating, StateCharging, StateSummarized},
	StateInitiating:       {StateReady, StateIdle, StateInitiateConflict},
	StateInitiateConflict: {StateInitiating, StateCharging, StateIdle},
	StateReady:            {StateCharging, StateIdle},
	StateCharging:         {StateStopping, StateFinalizing, StateSummarized},
	StateStopping:         {StateFinalizing, StateCharging, StateSummarized},
	StateFinalizing:       {StateSummarized, StateStopping, StateCharging},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Normalized connector statuses.
const (
	StatusAvailable     = "available"
	StatusPreparing     = "preparing"
	StatusCharging      = "charging"
	StatusSuspendedEV   = "suspended_ev"
	StatusSuspendedEVSE = "suspended_evse"
	StatusOccupied      = "occupied"
	StatusFinishing     = "finishing"
	StatusFaulted       = "faulted"
	StatusUnavailable   = "unavailable"
)

// NormalizeStatus maps "SuspendedEVSE", "suspended-evse" and
// "SUSPENDED_EVSE" to "suspended_evse".
func NormalizeStatus(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			b.WriteByte('_')
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

var readyStatuses = map[string]bool{
	StatusPreparing:     true,
	StatusSuspendedEV:   true,
	StatusSuspendedEVSE: true,
	StatusOccupied:      true,
	StatusFinishing:     true,
}

// isReady reports whether a start command may be sent for status.
func isReady(status string) bool {
	return readyStatuses[status]
}

// sessionEnded reports whether status closes the current transaction.
// stopSeen is true once a stop was acknowledged or a finishing or suspended
// status was reported for the transaction.
func sessionEnded(status string, stopSeen bool) bool {
	switch status {
	case StatusFinishing, StatusSuspendedEV, StatusSuspendedEVSE:
		return true
	case StatusAvailable:
		return availableEndsSession(stopSeen)
	}
	return false
}

// availableEndsSession decides whether "available" counts as the end of a
// transaction. Some stations skip finishing and fall back to available
// directly, so it does, but only after a stop; stations that idle in
// available before a plug-in must not trigger a summary fetch.
func availableEndsSession(stopSeen bool) bool {
	return stopSeen
}
