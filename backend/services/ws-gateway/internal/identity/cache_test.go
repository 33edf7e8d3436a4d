package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

type fakeSource struct {
	mu      sync.Mutex
	entries []ChargePoint
	err     error
	calls   int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) ListChargePoints(context.Context) ([]ChargePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]ChargePoint(nil), f.entries...), nil
}

func (f *fakeSource) set(entries []ChargePoint, err error) {
	f.mu.Lock()
	f.entries, f.err = entries, err
	f.mu.Unlock()
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCacheLookup(t *testing.T) {
	c := NewCache()
	if _, err := c.Lookup("SN-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected miss on empty cache, got %v", err)
	}

	n := c.Replace([]ChargePoint{
		{ChargePointID: "CP-001", SerialNumber: "sn-1", ProtocolVersion: "ocpp1.6"},
		{ChargePointID: "", SerialNumber: "SN-2"},
		{ChargePointID: "CP-003", SerialNumber: " "},
	}, "test", time.Now())
	if n != 1 {
		t.Fatalf("expected 1 entry installed, got %d", n)
	}

	cp, err := c.Lookup(" SN-1 ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if cp.ChargePointID != "CP-001" {
		t.Fatalf("expected CP-001, got %s", cp.ChargePointID)
	}
	if _, err := c.Lookup("SN-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected SN-2 to be skipped, got %v", err)
	}
}

func TestCacheReplaceIsWholesale(t *testing.T) {
	c := NewCache()
	c.Replace([]ChargePoint{{ChargePointID: "CP-1", SerialNumber: "A"}}, "test", time.Now())
	c.Replace([]ChargePoint{{ChargePointID: "CP-2", SerialNumber: "B"}}, "test", time.Now())

	if _, err := c.Lookup("A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected A to be gone after replace")
	}
	if _, err := c.Lookup("B"); err != nil {
		t.Fatalf("expected B, got %v", err)
	}
}

func TestCacheConcurrentReadersSeeWholeTables(t *testing.T) {
	c := NewCache()
	tableA := []ChargePoint{{ChargePointID: "CP-1", SerialNumber: "S1"}, {ChargePointID: "CP-2", SerialNumber: "S2"}}
	tableB := []ChargePoint{{ChargePointID: "CP-1b", SerialNumber: "S1"}, {ChargePointID: "CP-2b", SerialNumber: "S2"}}
	c.Replace(tableA, "a", time.Now())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				c.Replace(tableB, "b", time.Now())
			} else {
				c.Replace(tableA, "a", time.Now())
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := c.current.Load()
		one, two := snap.bySerial["S1"], snap.bySerial["S2"]
		if (one.ChargePointID == "CP-1") != (two.ChargePointID == "CP-2") {
			t.Fatalf("observed mixed table: %s %s", one.ChargePointID, two.ChargePointID)
		}
	}
	close(stop)
	wg.Wait()
}

func TestRefresherKeepsPreviousTableOnFailure(t *testing.T) {
	c := NewCache()
	src := &fakeSource{entries: []ChargePoint{{ChargePointID: "CP-1", SerialNumber: "S1"}}}
	r := NewRefresher(c, src, time.Minute, testclock.NewClock(time.Now()), nil, nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	src.set(nil, errors.New("registry down"))
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if _, err := c.Lookup("S1"); err != nil {
		t.Fatalf("expected previous table to survive, got %v", err)
	}
	if stats := c.Stats(); stats.Entries != 1 || stats.Source != "fake" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRefresherRunsOnInterval(t *testing.T) {
	c := NewCache()
	src := &fakeSource{}
	clk := testclock.NewClock(time.Now())
	r := NewRefresher(c, src, time.Minute, clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, time.Second, func() bool { return src.callCount() == 1 })
	src.set([]ChargePoint{{ChargePointID: "CP-9", SerialNumber: "S9"}}, nil)
	if err := clk.WaitAdvance(time.Minute, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, time.Second, func() bool { _, err := c.Lookup("S9"); return err == nil })
}
