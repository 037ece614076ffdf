package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// putScript stores ARGV[1] unless the stored snapshot carries a strictly
// newer stamp. The ordering mirrors Stamp.NewerThan.
//
// ARGV: payload, ttl ms, membership_version, role_id, role_version, team_version
var putScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local s = cjson.decode(cur)["stamp"]
	local mv = tonumber(ARGV[3])
	local rid = tonumber(ARGV[4])
	local rv = tonumber(ARGV[5])
	local tv = tonumber(ARGV[6])
	local newer = false
	if s["membership_version"] ~= mv then
		newer = s["membership_version"] > mv
	elseif s["role_id"] == rid and s["role_version"] >= rv and s["team_version"] >= tv then
		newer = s["role_version"] > rv or s["team_version"] > tv
	end
	if newer then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisStore shares snapshots between replicas
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed Store. Keys are "<prefix>:<membership id>".
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tenantguard:permsnap"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(membershipID int64) string {
	return fmt.Sprintf("%s:%d", s.prefix, membershipID)
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, membershipID int64) (*Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.key(membershipID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, true, nil
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, snap *Snapshot) (bool, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	ttl := s.ttl
	if left := time.Until(snap.ExpiresAt); left > 0 && left < ttl {
		ttl = left
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	stored, err := putScript.Run(ctx, s.client, []string{s.key(snap.MembershipID)},
		data, ttl.Milliseconds(),
		snap.Stamp.MembershipVersion, snap.Stamp.RoleID, snap.Stamp.RoleVersion, snap.Stamp.TeamVersion,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to put snapshot: %w", err)
	}
	return stored == 1, nil
}
