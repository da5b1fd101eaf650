package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsight/internal/creditline"
	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/tranche"
)

var (
	usdcAddr     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	fiduAddr     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	seniorAddr   = common.HexToAddress("0x0000000000000000000000000000000000000003")
	deskAddr     = common.HexToAddress("0x0000000000000000000000000000000000000004")
	poolAddr     = common.HexToAddress("0x0000000000000000000000000000000000000005")
	clAddr       = common.HexToAddress("0x0000000000000000000000000000000000000006")
	borrowerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	lenderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

const t0 = 1_700_000_000

func usd(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func e18(s string) *big.Int { return decimal.RequireFromString(s).Shift(18).BigInt() }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeChain struct {
	mu       sync.Mutex
	chainID  uint64
	head     uint64
	calls    map[string]domain.CallResult
	events   map[string][]*domain.RawEvent
	callErr  error
	headHook func()
}

func newFakeChain() *fakeChain {
	f := &fakeChain{
		chainID: 1,
		head:    100,
		calls:   map[string]domain.CallResult{},
		events:  map[string][]*domain.RawEvent{},
	}
	f.on(usdcAddr, "decimals", nil, uint8(6))
	f.on(fiduAddr, "decimals", nil, uint8(18))
	return f
}

func callKey(addr common.Address, method string, args []any) string {
	return strings.ToLower(addr.Hex()) + "." + method + fmt.Sprint(args)
}

func (f *fakeChain) on(addr common.Address, method string, args []any, out ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[callKey(addr, method, args)] = domain.CallResult(out)
}

func (f *fakeChain) emit(addr common.Address, ev *domain.RawEvent) {
	k := strings.ToLower(addr.Hex()) + "." + ev.Event
	f.events[k] = append(f.events[k], ev)
}

func (f *fakeChain) Call(_ context.Context, c domain.ContractID, method string, args ...any) (domain.CallResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	f.mu.Lock()
	res, ok := f.calls[callKey(c.Address, method, args)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s%v", domain.ErrUnknownMethod, c, method, args)
	}
	return res, nil
}

func (f *fakeChain) BatchCall(ctx context.Context, reqs []domain.CallRequest) ([]domain.CallResult, error) {
	out := make([]domain.CallResult, len(reqs))
	for i, r := range reqs {
		res, err := f.Call(ctx, r.Contract, r.Method, r.Args...)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (f *fakeChain) PastEvents(_ context.Context, c domain.ContractID, names []string, filter domain.EventFilter, _, _ uint64) ([]*domain.RawEvent, error) {
	var out []*domain.RawEvent
	for _, name := range names {
	next:
		for _, ev := range f.events[strings.ToLower(c.Address.Hex())+"."+name] {
			for k, v := range filter {
				if ev.Values[k] != v {
					continue next
				}
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) Block(_ context.Context, n uint64) (domain.Block, error) {
	return domain.Block{Number: n, Timestamp: n * 10}, nil
}

func (f *fakeChain) CurrentBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	hook := f.headHook
	f.headHook = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.head, nil
}

func (f *fakeChain) ChainID() uint64 { return f.chainID }

func rawEvent(id, name string, block uint64, values map[string]any) *domain.RawEvent {
	return &domain.RawEvent{ID: id, Event: name, BlockNumber: block, LogIndex: 0, Values: values}
}

func testNetwork() Network {
	return Network{
		ChainID:       1,
		USDC:          usdcAddr,
		FIDU:          fiduAddr,
		SeniorPool:    seniorAddr,
		CreditDesk:    deskAddr,
		TranchedPools: []common.Address{poolAddr},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(src domain.ChainDataSource) *Engine {
	e := NewEngine(src, nil, EngineConfig{
		Network:                testNetwork(),
		Params:                 tranche.DefaultParams,
		WithdrawFeeDenominator: 200,
	}, discardLogger())
	e.SetClock(func() time.Time { return time.Unix(t0+86400, 0) })
	return e
}

func seedBorrower(f *fakeChain) {
	f.on(deskAddr, "getBorrowerCreditLines", []any{borrowerAddr}, []common.Address{clAddr})
	f.on(clAddr, "balance", nil, usd(1000))
	f.on(clAddr, "interestApr", nil, e18("0.1"))
	f.on(clAddr, "interestAccruedAsOf", nil, big.NewInt(t0))
	f.on(clAddr, "nextDueTime", nil, big.NewInt(t0+30*86400))
	f.on(clAddr, "termEndTime", nil, big.NewInt(t0+365*86400))
	f.on(clAddr, "lastFullPaymentTime", nil, big.NewInt(t0))
	f.on(clAddr, "paymentPeriodInDays", nil, big.NewInt(30))
	f.on(clAddr, "termInDays", nil, big.NewInt(365))
	f.on(clAddr, "limit", nil, usd(5000))
	f.on(clAddr, "interestOwed", nil, usd(2))
	f.on(usdcAddr, "balanceOf", []any{clAddr}, big.NewInt(0))
	f.emit(deskAddr, rawEvent("0x1-0", "DrawdownMade", 10, map[string]any{
		"borrower": borrowerAddr, "creditLine": clAddr, "drawdownAmount": usd(1000),
	}))
	f.emit(deskAddr, rawEvent("0x2-0", "DrawdownMade", 11, map[string]any{
		"borrower": lenderAddr, "creditLine": clAddr, "drawdownAmount": usd(7),
	}))
}

func seedSeniorPool(f *fakeChain) {
	f.on(seniorAddr, "sharePrice", nil, e18("1.2"))
	f.on(seniorAddr, "assets", nil, usd(1000))
	f.on(seniorAddr, "totalLoansOutstanding", nil, usd(600))
	f.on(fiduAddr, "totalSupply", nil, e18("800"))
	f.emit(seniorAddr, rawEvent("0xa-0", "DepositMade", 5, map[string]any{
		"capitalProvider": lenderAddr, "amount": usd(110), "shares": e18("100"),
	}))
	f.emit(seniorAddr, rawEvent("0xb-0", "WithdrawalMade", 7, map[string]any{
		"capitalProvider": borrowerAddr, "userAmount": usd(20), "reserveAmount": big.NewInt(0),
	}))
	f.emit(seniorAddr, rawEvent("0xc-0", "InterestCollected", 8, map[string]any{
		"payer": poolAddr, "amount": usd(5),
	}))
}

func TestEngine_UnavailableContextReturnsEmptyEntities(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain()
	f.chainID = 5
	e := newTestEngine(f)

	b, err := e.Borrower(ctx, borrowerAddr.Hex())
	require.NoError(t, err)
	assert.False(t, b.Loaded)
	assert.Equal(t, creditline.Empty, b.CreditLines.Kind())

	cp, err := e.CapitalProvider(ctx, lenderAddr.Hex())
	require.NoError(t, err)
	assert.False(t, cp.Position.Loaded)
	assert.True(t, cp.Position.NumShares.IsZero())

	sp, err := e.SeniorPool(ctx)
	require.NoError(t, err)
	assert.False(t, sp.Loaded)
	assert.True(t, sp.PoolBalance.IsZero())

	tp, err := e.TranchedPool(ctx, poolAddr.Hex())
	require.NoError(t, err)
	assert.False(t, tp.Loaded)
	assert.Equal(t, tranche.Open, tp.PoolState)
}

func TestEngine_ZeroOrMissingAddress(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(newFakeChain())

	for _, addr := range []string{"", "not-an-address", common.Address{}.Hex()} {
		b, err := e.Borrower(ctx, addr)
		require.NoError(t, err)
		assert.False(t, b.Loaded, addr)

		cp, err := e.CapitalProvider(ctx, addr)
		require.NoError(t, err)
		assert.False(t, cp.Position.Loaded, addr)
	}
}

func TestEngine_Borrower(t *testing.T) {
	f := newFakeChain()
	seedBorrower(f)
	e := newTestEngine(f)

	snap, err := e.Borrower(context.Background(), borrowerAddr.Hex())
	require.NoError(t, err)
	require.True(t, snap.Loaded)
	assert.Equal(t, uint64(100), snap.BlockNumber)

	line, ok := snap.CreditLines.Single()
	require.True(t, ok)
	assert.False(t, line.IsLate)
	assert.True(t, line.RemainingPeriodDueAmount.Round(6).Equal(dec("10.219178")), line.RemainingPeriodDueAmount.String())
	assert.True(t, line.AvailableCredit.Equal(dec("4000")))
	assert.True(t, snap.CreditLines.Limit().Equal(dec("5000")))

	// only the borrower's own drawdown is in the ledger
	require.Len(t, snap.Transactions, 1)
	tx := snap.Transactions[0]
	assert.Equal(t, domain.TxDrawdown, tx.Type)
	assert.True(t, tx.Amount.Equal(dec("1000")))
	assert.Equal(t, uint64(100), tx.BlockTime)
}

func TestEngine_BorrowerSplitPayment(t *testing.T) {
	f := newFakeChain()
	seedBorrower(f)
	e := newTestEngine(f)

	snap, err := e.Borrower(context.Background(), borrowerAddr.Hex())
	require.NoError(t, err)

	split := snap.CreditLines.SplitPayment(dec("5"))
	require.Len(t, split.Addresses, 1)
	assert.Equal(t, clAddr.Hex(), split.Addresses[0])
	assert.True(t, split.Amounts[0].Equal(dec("5")))
}

func TestEngine_CapitalProvider(t *testing.T) {
	f := newFakeChain()
	seedSeniorPool(f)
	f.on(fiduAddr, "balanceOf", []any{lenderAddr}, e18("100"))
	f.on(usdcAddr, "allowance", []any{lenderAddr, seniorAddr}, usd(50))
	f.emit(usdcAddr, rawEvent("0xd-0", "Approval", 4, map[string]any{
		"owner": lenderAddr, "spender": seniorAddr, "value": usd(50),
	}))
	e := newTestEngine(f)

	snap, err := e.CapitalProvider(context.Background(), lenderAddr.Hex())
	require.NoError(t, err)
	p := snap.Position
	require.True(t, p.Loaded)

	assert.True(t, p.NumShares.Equal(dec("100")))
	assert.True(t, p.SharePrice.Equal(dec("1.2")))
	assert.True(t, p.Allowance.Equal(dec("50")))
	assert.True(t, p.AvailableToWithdraw.Equal(dec("119.4")), p.AvailableToWithdraw.String())

	require.True(t, p.WeightedAverageSharePrice.Valid)
	assert.True(t, p.WeightedAverageSharePrice.Decimal.Equal(dec("1.1")))
	require.True(t, p.UnrealizedGains.Valid)
	assert.True(t, p.UnrealizedGains.Decimal.Equal(dec("10")))
	// lender's 110 exceeds the pool's 90 net principal, so it earns the
	// whole 5 and no more
	assert.True(t, p.InterestEarned.Equal(dec("5")), p.InterestEarned.String())

	require.Len(t, snap.Transactions, 2)
	assert.Equal(t, domain.TxSupply, snap.Transactions[0].Type)
	assert.Equal(t, domain.TxApproval, snap.Transactions[1].Type)
}

func TestEngine_CapitalProviderUnexplainedShares(t *testing.T) {
	f := newFakeChain()
	seedSeniorPool(f)
	f.on(fiduAddr, "balanceOf", []any{lenderAddr}, e18("150"))
	f.on(usdcAddr, "allowance", []any{lenderAddr, seniorAddr}, big.NewInt(0))
	e := newTestEngine(f)

	snap, err := e.CapitalProvider(context.Background(), lenderAddr.Hex())
	require.NoError(t, err)
	assert.False(t, snap.Position.WeightedAverageSharePrice.Valid)
	assert.False(t, snap.Position.UnrealizedGains.Valid)
}

func TestEngine_SeniorPool(t *testing.T) {
	f := newFakeChain()
	seedSeniorPool(f)
	e := newTestEngine(f)

	snap, err := e.SeniorPool(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Loaded)
	assert.True(t, snap.SharePrice.Equal(dec("1.2")))
	assert.True(t, snap.TotalShares.Equal(dec("800")))
	assert.True(t, snap.TotalPoolAssets.Equal(dec("1000")))
	assert.True(t, snap.TotalLoansOutstanding.Equal(dec("600")))
	assert.True(t, snap.PoolBalance.Equal(dec("90")), snap.PoolBalance.String())
	assert.True(t, snap.TotalInterestCollected.Equal(dec("5")))

	require.Len(t, snap.Transactions, 3)
	assert.Equal(t, uint64(8), snap.Transactions[0].BlockNumber)

	assert.True(t, snap.PoolBalanceAsOf(ledger.BeforeBlock(7)).Equal(dec("110")))
	assert.True(t, snap.PoolBalanceAsOf(ledger.BeforeTime(50)).IsZero())
}

func TestEngine_TranchedPool(t *testing.T) {
	f := newFakeChain()
	f.on(poolAddr, "getTranche", []any{big.NewInt(tranche.JuniorTrancheID)},
		big.NewInt(2), usd(100), e18("1"), big.NewInt(0), big.NewInt(0))
	f.on(poolAddr, "getTranche", []any{big.NewInt(tranche.SeniorTrancheID)},
		big.NewInt(1), big.NewInt(0), e18("1"), big.NewInt(0), big.NewInt(0))
	f.on(poolAddr, "juniorFeePercent", nil, big.NewInt(20))
	f.on(poolAddr, "creditLine", nil, clAddr)
	f.on(clAddr, "balance", nil, big.NewInt(0))
	f.on(clAddr, "limit", nil, usd(1000))
	f.on(clAddr, "interestApr", nil, e18("0.1"))
	f.on(seniorAddr, "estimateInvestment", []any{poolAddr}, usd(300))
	f.emit(poolAddr, rawEvent("0xe-0", "DepositMade", 3, map[string]any{
		"owner": lenderAddr, "tranche": big.NewInt(2), "tokenId": big.NewInt(1), "amount": usd(100),
	}))
	e := newTestEngine(f)

	snap, err := e.TranchedPool(context.Background(), poolAddr.Hex())
	require.NoError(t, err)
	require.True(t, snap.Loaded)
	assert.Equal(t, clAddr.Hex(), snap.CreditLine)
	assert.True(t, snap.Economics.TotalDeposited.Equal(dec("100")))
	assert.True(t, snap.Economics.EstimatedLeverageRatio.Equal(dec("3")))
	assert.True(t, snap.EstimatedJuniorAPY.Equal(dec("15")), snap.EstimatedJuniorAPY.String())
	assert.Equal(t, tranche.Open, snap.PoolState)
	assert.True(t, snap.RemainingCapacity(dec("250")).Equal(dec("150")))
	require.Len(t, snap.Transactions, 1)
	assert.Equal(t, domain.TxSupply, snap.Transactions[0].Type)

	pools, err := e.Pools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, poolAddr.Hex(), pools[0].Address)
}

func TestEngine_TransportErrorCarriesContext(t *testing.T) {
	f := newFakeChain()
	boom := errors.New("rpc unreachable")
	f.callErr = boom
	e := newTestEngine(f)

	_, err := e.CapitalProvider(context.Background(), lenderAddr.Hex())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var ce *domain.ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, EntityCapitalProvider, ce.Entity)
	assert.Equal(t, lenderAddr.Hex(), ce.Address)
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]domain.Token
	gets   int
}

func (m *memTokens) Set(_ context.Context, t domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = map[string]domain.Token{}
	}
	m.tokens[fmt.Sprintf("%d:%s", t.ChainID, t.Ticker)] = t
	return nil
}

func (m *memTokens) Get(_ context.Context, chainID uint64, ticker string) (domain.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	t, ok := m.tokens[fmt.Sprintf("%d:%s", chainID, ticker)]
	if !ok {
		return domain.Token{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memTokens) InvalidateNetwork(_ context.Context, chainID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("%d:", chainID)
	for k := range m.tokens {
		if strings.HasPrefix(k, prefix) {
			delete(m.tokens, k)
		}
	}
	return nil
}

func TestEngine_DecimalsUseTokenCache(t *testing.T) {
	f := newFakeChain()
	tokens := &memTokens{}
	e := NewEngine(f, tokens, EngineConfig{Network: testNetwork()}, discardLogger())

	d, err := e.Decimals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Decimals{Amount: 6, Shares: 18}, d)
	require.Len(t, tokens.tokens, 2)

	// decimals now come from the cache even if the chain fails
	f.callErr = errors.New("down")
	d, err = e.Decimals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(6), d.Amount)

	require.NoError(t, tokens.InvalidateNetwork(context.Background(), 1))
	_, err = e.Decimals(context.Background())
	assert.Error(t, err)
}

func TestNetwork_Supports(t *testing.T) {
	n := Network{ChainID: 1}
	assert.True(t, n.Supports(1))
	assert.False(t, n.Supports(5))
	assert.False(t, n.Supports(0))

	n.SupportedChains = []uint64{1, 31337}
	assert.True(t, n.Supports(31337))
}

func TestEngine_CheckNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFakeChain()
	require.NoError(t, newTestEngine(f).CheckNetwork(ctx))

	f.chainID = 5
	assert.ErrorIs(t, newTestEngine(f).CheckNetwork(ctx), domain.ErrUnsupportedNetwork)

	disconnected := NewEngine(nil, nil, EngineConfig{Network: testNetwork()}, discardLogger())
	assert.ErrorIs(t, disconnected.CheckNetwork(ctx), domain.ErrUnsupportedNetwork)
}
