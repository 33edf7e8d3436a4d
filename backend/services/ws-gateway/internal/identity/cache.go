package identity

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned for serials absent from the current snapshot.
var ErrNotFound = errors.New("identity: serial not registered")

// ChargePoint is the registered identity of one station.
type ChargePoint struct {
	ChargePointID   string `json:"chargePointId"`
	SerialNumber    string `json:"serialNumber"`
	ProtocolVersion string `json:"protocolVersion"`
	EndpointURL     string `json:"endpointUrl,omitempty"`
}

type snapshot struct {
	bySerial  map[string]ChargePoint
	loadedAt  time.Time
	sourceTag string
}

// Cache maps serial numbers to registered identities. Readers always see a
// complete table; Replace swaps in a new one.
type Cache struct {
	current atomic.Pointer[snapshot]
}

// NewCache returns an empty cache. Every lookup misses until the first Replace.
func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(&snapshot{bySerial: map[string]ChargePoint{}})
	return c
}

// Lookup returns the identity registered for serial.
func (c *Cache) Lookup(serial string) (ChargePoint, error) {
	cp, ok := c.current.Load().bySerial[normalizeSerial(serial)]
	if !ok {
		return ChargePoint{}, ErrNotFound
	}
	return cp, nil
}

// Replace installs entries as the new table. Entries without a serial or
// charge point id are skipped. It returns the number of entries installed.
func (c *Cache) Replace(entries []ChargePoint, source string, at time.Time) int {
	table := make(map[string]ChargePoint, len(entries))
	for _, e := range entries {
		key := normalizeSerial(e.SerialNumber)
		if key == "" || strings.TrimSpace(e.ChargePointID) == "" {
			continue
		}
		table[key] = e
	}
	c.current.Store(&snapshot{bySerial: table, loadedAt: at, sourceTag: source})
	return len(table)
}

// Stats describes the installed table.
type Stats struct {
	Entries  int       `json:"entries"`
	LoadedAt time.Time `json:"loadedAt"`
	Source   string    `json:"source"`
}

// Stats reports the size and age of the installed table.
func (c *Cache) Stats() Stats {
	s := c.current.Load()
	return Stats{Entries: len(s.bySerial), LoadedAt: s.loadedAt, Source: s.sourceTag}
}

func normalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}
