package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"chargelink/backend/services/session-monitor/internal/clients"
)

// SummaryStore keeps fetched transaction summaries so a restarted monitor
// adopts them instead of asking the backend again.
type SummaryStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryStore returns a redis-backed store. A zero ttl keeps entries
// for a day.
func NewSummaryStore(client *redis.Client, ttl time.Duration) *SummaryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SummaryStore{client: client, ttl: ttl}
}

func (s *SummaryStore) key(transactionID string) string {
	return fmt.Sprintf("sessions:summary:%s", transactionID)
}

// Save stores summary under its transaction id.
func (s *SummaryStore) Save(ctx context.Context, summary clients.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(summary.TransactionID), data, s.ttl).Err()
}

// Get returns the stored summary, or nil without error when there is none.
func (s *SummaryStore) Get(ctx context.Context, transactionID string) (*clients.Summary, error) {
	raw, err := s.client.Get(ctx, s.key(transactionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var summary clients.Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("summary store: decode %s: %w", transactionID, err)
	}
	return &summary, nil
}
