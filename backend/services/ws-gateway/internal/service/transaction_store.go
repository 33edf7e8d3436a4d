package service

import (
	"strconv"
	"sync"
	"time"
)

// Transaction is an in-flight charging transaction seen by the gateway.
type Transaction struct {
	ID            string    `json:"id"`
	ChargePointID string    `json:"chargePointId"`
	ConnectorID   int       `json:"connectorId"`
	IDTag         string    `json:"idTag,omitempty"`
	MeterStart    int64     `json:"meterStart"`
	StartedAt     time.Time `json:"startedAt"`
}

// TransactionStore tracks open transactions and hands out numeric ids for
// protocol versions where the central system assigns them.
type TransactionStore struct {
	mu     sync.RWMutex
	nextID int
	data   map[string]Transaction
}

// NewTransactionStore returns a store whose first allocated id is seed+1.
func NewTransactionStore(seed int) *TransactionStore {
	return &TransactionStore{nextID: seed, data: make(map[string]Transaction)}
}

// Allocate assigns a new numeric id to tx and stores it.
func (s *TransactionStore) Allocate(tx Transaction) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	tx.ID = strconv.Itoa(s.nextID)
	s.data[tx.ID] = tx
	return s.nextID
}

// Set stores tx under its own id.
func (s *TransactionStore) Set(tx Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[tx.ID] = tx
}

// Get returns the transaction with id.
func (s *TransactionStore) Get(id string) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.data[id]
	return tx, ok
}

// Delete closes the transaction and returns what was stored.
func (s *TransactionStore) Delete(id string) (Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.data[id]
	delete(s.data, id)
	return tx, ok
}

// ActiveFor lists open transactions of one station.
func (s *TransactionStore) ActiveFor(chargePointID string) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, tx := range s.data {
		if tx.ChargePointID == chargePointID {
			out = append(out, tx)
		}
	}
	return out
}
