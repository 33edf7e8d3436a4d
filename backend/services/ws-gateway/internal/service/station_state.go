package service

import (
	"sync"
	"time"
)

// ConnectorState is the last status a connector reported.
type ConnectorState struct {
	Status    string    `json:"status"`
	ErrorCode string    `json:"errorCode,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MeterReading is the most recent energy register a station reported.
type MeterReading struct {
	ConnectorID int       `json:"connectorId"`
	EnergyWh    float64   `json:"energyWh"`
	PowerW      float64   `json:"powerW,omitempty"`
	SoCPercent  float64   `json:"socPercent,omitempty"`
	SampledAt   time.Time `json:"sampledAt"`
}

// ChargePointState is the runtime view of one station.
type ChargePointState struct {
	Vendor          string                 `json:"vendor,omitempty"`
	Model           string                 `json:"model,omitempty"`
	FirmwareVersion string                 `json:"firmwareVersion,omitempty"`
	BootedAt        time.Time              `json:"bootedAt,omitempty"`
	Connectors      map[int]ConnectorState `json:"connectors"`
	LastMeter       *MeterReading          `json:"lastMeter,omitempty"`
}

// StationState keeps in-memory station data reported by version strategies.
type StationState struct {
	mu       sync.RWMutex
	stations map[string]*ChargePointState
}

// NewStationState returns an empty store.
func NewStationState() *StationState {
	return &StationState{stations: make(map[string]*ChargePointState)}
}

func (s *StationState) entry(chargePointID string) *ChargePointState {
	st, ok := s.stations[chargePointID]
	if !ok {
		st = &ChargePointState{Connectors: make(map[int]ConnectorState)}
		s.stations[chargePointID] = st
	}
	return st
}

// RecordBoot stores the identification sent in BootNotification.
func (s *StationState) RecordBoot(chargePointID, vendor, model, firmware string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(chargePointID)
	st.Vendor, st.Model, st.FirmwareVersion, st.BootedAt = vendor, model, firmware, at
}

// UpdateConnector records a connector status.
func (s *StationState) UpdateConnector(chargePointID string, connectorID int, status, errorCode string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(chargePointID).Connectors[connectorID] = ConnectorState{Status: status, ErrorCode: errorCode, UpdatedAt: at}
}

// RecordMeter keeps the latest reading.
func (s *StationState) RecordMeter(chargePointID string, reading MeterReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := reading
	s.entry(chargePointID).LastMeter = &r
}

// Get returns a copy of one station's state.
func (s *StationState) Get(chargePointID string) (ChargePointState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[chargePointID]
	if !ok {
		return ChargePointState{}, false
	}
	return st.clone(), true
}

// Snapshot returns a copy of all station state.
func (s *StationState) Snapshot() map[string]ChargePointState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ChargePointState, len(s.stations))
	for id, st := range s.stations {
		out[id] = st.clone()
	}
	return out
}

func (st *ChargePointState) clone() ChargePointState {
	c := *st
	c.Connectors = make(map[int]ConnectorState, len(st.Connectors))
	for id, conn := range st.Connectors {
		c.Connectors[id] = conn
	}
	if st.LastMeter != nil {
		m := *st.LastMeter
		c.LastMeter = &m
	}
	return c
}
