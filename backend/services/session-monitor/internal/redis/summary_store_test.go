package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chargelink/backend/services/session-monitor/internal/clients"
)

func TestSummaryStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewSummaryStore(client, time.Hour)
	ctx := context.Background()

	got, err := store.Get(ctx, "TXN-1")
	if err != nil || got != nil {
		t.Fatalf("expected nil summary without error, got %+v %v", got, err)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(40 * time.Minute)
	energy, cost := 12.5, 87.5
	in := clients.Summary{TransactionID: "TXN-1", StartTime: start, EndTime: &end, TotalEnergy: &energy, TotalCost: &cost, StopReason: "Local"}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL("sessions:summary:TXN-1"); ttl != time.Hour {
		t.Fatalf("expected ttl 1h, got %s", ttl)
	}

	got, err = store.Get(ctx, "TXN-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.TotalCost == nil || *got.TotalCost != 87.5 || got.EndTime == nil || !got.EndTime.Equal(end) || got.StopReason != "Local" {
		t.Fatalf("unexpected summary %+v", got)
	}

	mr.FastForward(time.Hour + time.Second)
	if got, err := store.Get(ctx, "TXN-1"); err != nil || got != nil {
		t.Fatalf("expected summary expired, got %+v %v", got, err)
	}
}

func TestSummaryStoreDecodeError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewSummaryStore(client, 0)

	if err := mr.Set("sessions:summary:TXN-2", "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Get(context.Background(), "TXN-2"); err == nil {
		t.Fatalf("expected decode error")
	}
}
