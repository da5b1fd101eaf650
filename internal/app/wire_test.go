package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsight/internal/config"
)

func TestTrancheParams(t *testing.T) {
	p := trancheParams(config.ProtocolConfig{
		DefaultLeverageRatio:  3.5,
		JuniorFeePercent:      25,
		ReserveFeeDenominator: 20,
	})
	assert.True(t, decimal.RequireFromString("3.5").Equal(p.DefaultLeverageRatio))
	assert.True(t, decimal.RequireFromString("0.25").Equal(p.JuniorFeeFraction))
	assert.True(t, decimal.RequireFromString("0.05").Equal(p.ReserveFeeFraction))
}

func TestTrancheParams_DefaultsKeptForZeroValues(t *testing.T) {
	p := trancheParams(config.ProtocolConfig{JuniorFeePercent: 20})
	assert.True(t, decimal.NewFromInt(4).Equal(p.DefaultLeverageRatio))
	assert.True(t, decimal.RequireFromString("0.1").Equal(p.ReserveFeeFraction))
}

func TestBuildNetwork(t *testing.T) {
	cfg := config.Defaults()
	cfg.Contracts.SeniorPool = "0x00000000000000000000000000000000000000a1"
	cfg.Contracts.TranchedPools = []string{
		"0x00000000000000000000000000000000000000b1",
		"0x00000000000000000000000000000000000000b2",
	}

	n := buildNetwork(&cfg)
	assert.Equal(t, cfg.Chain.ChainID, n.ChainID)
	assert.Equal(t, common.HexToAddress("0xa1"), n.SeniorPool)
	assert.Equal(t, []common.Address{common.HexToAddress("0xb1"), common.HexToAddress("0xb2")}, n.TranchedPools)
	assert.True(t, n.Supports(31337))
	assert.False(t, n.Supports(5))
}

func TestDedupe(t *testing.T) {
	errs := dedupe([]error{errors.New("a"), errors.New("b"), errors.New("a")})
	assert.Len(t, errs, 2)
	assert.EqualError(t, errors.Join(errs...), "a\nb")
}

func TestRun_UnknownModeFailsBeforeWiring(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	// an unreachable node would fail Wire with a different error
	cfg.Chain.RPCURL = "http://127.0.0.1:1"

	err := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}
