package identity

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Source loads the full set of registered charge points.
type Source interface {
	Name() string
	ListChargePoints(ctx context.Context) ([]ChargePoint, error)
}

// RefreshObserver is told about every refresh attempt.
type RefreshObserver interface {
	ObserveRefresh(source string, entries int, err error)
}

// Refresher reloads a Cache from a Source on an interval. A failed load
// keeps the previous table.
type Refresher struct {
	cache    *Cache
	source   Source
	interval time.Duration
	clock    clock.Clock
	observer RefreshObserver
	logger   *zap.Logger

	mu sync.Mutex
}

// NewRefresher wires cache to source.
func NewRefresher(cache *Cache, source Source, interval time.Duration, clk clock.Clock, observer RefreshObserver, logger *zap.Logger) *Refresher {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		cache:    cache,
		source:   source,
		interval: interval,
		clock:    clk,
		observer: observer,
		logger:   logger,
	}
}

// Refresh loads once. Concurrent calls are serialised.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.source.ListChargePoints(ctx)
	if err != nil {
		r.logger.Warn("identity refresh failed, keeping previous table",
			zap.String("source", r.source.Name()),
			zap.Int("entries", r.cache.Stats().Entries),
			zap.Error(err),
		)
		if r.observer != nil {
			r.observer.ObserveRefresh(r.source.Name(), 0, err)
		}
		return err
	}

	n := r.cache.Replace(entries, r.source.Name(), r.clock.Now())
	r.logger.Info("identity table refreshed", zap.String("source", r.source.Name()), zap.Int("entries", n))
	if r.observer != nil {
		r.observer.ObserveRefresh(r.source.Name(), n, nil)
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	_ = r.Refresh(ctx)
	if r.interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.interval):
			_ = r.Refresh(ctx)
		}
	}
}
