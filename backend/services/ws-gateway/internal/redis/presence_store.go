package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Presence records which gateway node holds a station's connection.
type Presence struct {
	ConnectionID    string    `json:"connectionId"`
	ChargePointID   string    `json:"chargePointId"`
	ProtocolVersion string    `json:"protocolVersion"`
	Node            string    `json:"node"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// releaseScript deletes the key only while it still belongs to the
// connection being released, so a newer connection on another node survives.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local ok, doc = pcall(cjson.decode, raw)
if ok and doc["connectionId"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PresenceStore keeps presence records with a TTL.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresenceStore returns a redis-backed store.
func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PresenceStore{client: client, ttl: ttl}
}

func (s *PresenceStore) key(chargePointID string) string {
	return fmt.Sprintf("gateway:presence:%s", chargePointID)
}

// Save writes p, replacing any previous holder.
func (s *PresenceStore) Save(ctx context.Context, p Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(p.ChargePointID), data, s.ttl).Err()
}

// Get returns the current holder or redis.Nil.
func (s *PresenceStore) Get(ctx context.Context, chargePointID string) (*Presence, error) {
	raw, err := s.client.Get(ctx, s.key(chargePointID)).Bytes()
	if err != nil {
		return nil, err
	}
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Release removes the record if connectionID still owns it.
func (s *PresenceStore) Release(ctx context.Context, chargePointID, connectionID string) error {
	return releaseScript.Run(ctx, s.client, []string{s.key(chargePointID)}, connectionID).Err()
}

// Touch extends the TTL of every listed station in one pipeline.
func (s *PresenceStore) Touch(ctx context.Context, chargePointIDs []string) error {
	if len(chargePointIDs) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range chargePointIDs {
			pipe.Expire(ctx, s.key(id), s.ttl)
		}
		return nil
	})
	return err
}

// TTL is the lifetime applied to each record.
func (s *PresenceStore) TTL() time.Duration {
	return s.ttl
}
