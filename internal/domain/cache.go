package domain

import (
	"context"
	"time"
)

// SnapshotCache holds the most recent serialized snapshot per entity. Keys
// are scoped by chain id so that a network change can drop everything that
// belonged to the previous network.
//
// Set stores payload only if version is not older than the stored entry's
// and reports whether it did, so replicas racing on one key keep the newest.
type SnapshotCache interface {
	Set(ctx context.Context, chainID uint64, entity, key string, payload []byte, version int64, ttl time.Duration) (bool, error)
	Get(ctx context.Context, chainID uint64, entity, key string) ([]byte, error)
	InvalidateNetwork(ctx context.Context, chainID uint64) error
}

// TokenCache memoizes ERC-20 metadata by ticker, per network.
type TokenCache interface {
	Set(ctx context.Context, token Token) error
	Get(ctx context.Context, chainID uint64, ticker string) (Token, error)
	InvalidateNetwork(ctx context.Context, chainID uint64) error
}

// SnapshotChannel is the pub/sub channel for one entity kind. Subscribers
// use SnapshotChannel("*") to follow every kind.
func SnapshotChannel(entity string) string {
	return "snapshots:" + entity
}

// SignalBus provides pub/sub for snapshot updates.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager hands out short-lived per-network leases so that only one
// replica runs a given job, such as the refresh cycle, at a time. Acquire
// returns ErrLockHeld when another replica holds the lease.
type LockManager interface {
	Acquire(ctx context.Context, chainID uint64, name string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Extend fails with ErrLockLost once the lease expired
// and was taken by someone else. Release is safe to call more than once.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release()
}

// RateLimiter admits requests under a sliding-window limit per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
