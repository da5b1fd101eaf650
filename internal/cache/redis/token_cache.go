package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// TokenCache implements domain.TokenCache using one Redis hash per token.
// Token metadata never changes for a deployment, so entries carry no TTL and
// live until the network is invalidated.
//
// Key schema:
//
//	{prefix}:{chainID}:token:{TICKER} - hash with fields "address", "decimals"
type TokenCache struct {
	c *Client
}

// NewTokenCache creates a TokenCache backed by the given Client.
func NewTokenCache(c *Client) *TokenCache {
	return &TokenCache{c: c}
}

func (tc *TokenCache) key(chainID uint64, ticker string) string {
	return tc.c.networkPrefix(chainID) + "token:" + strings.ToUpper(ticker)
}

// Set stores the token's address and decimals.
func (tc *TokenCache) Set(ctx context.Context, token domain.Token) error {
	fields := map[string]interface{}{
		"address":  token.Address.Hex(),
		"decimals": strconv.FormatInt(int64(token.Decimals), 10),
	}
	if err := tc.c.rdb.HSet(ctx, tc.key(token.ChainID, token.Ticker), fields).Err(); err != nil {
		return fmt.Errorf("redis: set token %s: %w", token.Ticker, err)
	}
	return nil
}

// Get returns the cached token. It returns domain.ErrNotFound when absent.
func (tc *TokenCache) Get(ctx context.Context, chainID uint64, ticker string) (domain.Token, error) {
	vals, err := tc.c.rdb.HGetAll(ctx, tc.key(chainID, ticker)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Token{}, domain.ErrNotFound
		}
		return domain.Token{}, fmt.Errorf("redis: get token %s: %w", ticker, err)
	}
	if len(vals) == 0 {
		return domain.Token{}, domain.ErrNotFound
	}
	decimals, err := strconv.ParseInt(vals["decimals"], 10, 32)
	if err != nil {
		return domain.Token{}, fmt.Errorf("redis: parse token %s decimals: %w", ticker, err)
	}
	return domain.Token{
		ChainID:  chainID,
		Ticker:   strings.ToUpper(ticker),
		Address:  common.HexToAddress(vals["address"]),
		Decimals: int32(decimals),
	}, nil
}

// InvalidateNetwork drops every token cached for chainID.
func (tc *TokenCache) InvalidateNetwork(ctx context.Context, chainID uint64) error {
	if _, err := tc.c.deleteMatching(ctx, tc.c.networkPrefix(chainID)+"token:*"); err != nil {
		return fmt.Errorf("redis: invalidate tokens for chain %d: %w", chainID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TokenCache = (*TokenCache)(nil)
