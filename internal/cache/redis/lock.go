package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// releaseLua deletes the lease key only while it still holds the caller's
// token, so a replica whose lease expired cannot release its successor's.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the expiry out while the caller still owns the lease.
// ARGV = token, ttl in milliseconds.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with per-network lease keys.
//
// Key schema:
//
//	{prefix}:{chainID}:lock:{name} - string holding the owner's token
//
// Leases live next to the network's snapshots so that invalidating a network
// and locking it share one namespace.
type LockManager struct {
	c         *Client
	releaseSc *redis.Script
	extendSc  *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:         c,
		releaseSc: redis.NewScript(releaseLua),
		extendSc:  redis.NewScript(extendLua),
	}
}

func (lm *LockManager) key(chainID uint64, name string) string {
	return lm.c.networkPrefix(chainID) + "lock:" + name
}

// Acquire takes the named lease on chainID for ttl. It returns
// domain.ErrLockHeld when another owner holds it.
func (lm *LockManager) Acquire(ctx context.Context, chainID uint64, name string, ttl time.Duration) (domain.Lease, error) {
	l := &lease{lm: lm, key: lm.key(chainID, name), token: uuid.NewString()}
	ok, err := lm.c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s lease on chain %d: %w", name, chainID, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	return l, nil
}

type lease struct {
	lm    *LockManager
	key   string
	token string
	once  sync.Once
}

func (l *lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.lm.extendSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

// Release runs on a background context so it succeeds after the caller's
// context is cancelled.
func (l *lease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.releaseSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token).Err()
	})
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
