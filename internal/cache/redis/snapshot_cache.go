package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// setIfNewerLua writes the snapshot unless the stored one has a higher
// version. KEYS[1] = hash key, ARGV = payload, version, ttl in milliseconds.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`

// SnapshotCache implements domain.SnapshotCache using Redis hashes holding a
// JSON payload and the version of the refresh that produced it.
//
// Key schema:
//
//	{prefix}:{chainID}:snapshot:{entity}:{key} - hash with fields "data", "version"
type SnapshotCache struct {
	c     *Client
	setSc *redis.Script
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{c: c, setSc: redis.NewScript(setIfNewerLua)}
}

func (sc *SnapshotCache) key(chainID uint64, entity, key string) string {
	return sc.c.networkPrefix(chainID) + "snapshot:" + entity + ":" + key
}

// Set stores payload under entity/key unless a snapshot with a higher
// version is already stored. A zero ttl keeps the entry until the network is
// invalidated.
func (sc *SnapshotCache) Set(ctx context.Context, chainID uint64, entity, key string, payload []byte, version int64, ttl time.Duration) (bool, error) {
	n, err := sc.setSc.Run(ctx, sc.c.rdb, []string{sc.key(chainID, entity, key)},
		payload, strconv.FormatInt(version, 10), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: set snapshot %s/%s: %w", entity, key, err)
	}
	return n == 1, nil
}

// Get returns the cached payload. It returns domain.ErrNotFound when the key
// does not exist.
func (sc *SnapshotCache) Get(ctx context.Context, chainID uint64, entity, key string) ([]byte, error) {
	data, err := sc.c.rdb.HGet(ctx, sc.key(chainID, entity, key), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get snapshot %s/%s: %w", entity, key, err)
	}
	return data, nil
}

// InvalidateNetwork drops every snapshot cached for chainID.
func (sc *SnapshotCache) InvalidateNetwork(ctx context.Context, chainID uint64) error {
	if _, err := sc.c.deleteMatching(ctx, sc.c.networkPrefix(chainID)+"snapshot:*"); err != nil {
		return fmt.Errorf("redis: invalidate snapshots for chain %d: %w", chainID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
