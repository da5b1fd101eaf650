package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolsight/internal/capital"
	"github.com/alanyoungcy/poolsight/internal/creditline"
	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/tranche"
)

// sharePriceDecimals is the fixed-point scale of pool and tranche share prices.
const sharePriceDecimals = 18

var (
	poolEventNames  = []string{"DepositMade", "WithdrawalMade", "InterestCollected", "PrincipalCollected", "ReserveFundsCollected"}
	providerEvents  = []string{"DepositMade", "WithdrawalMade"}
	trancheEvents   = []string{"DepositMade", "WithdrawalMade", "DrawdownMade"}
	creditLineViews = []string{
		"balance", "interestApr", "interestAccruedAsOf", "nextDueTime", "termEndTime",
		"lastFullPaymentTime", "paymentPeriodInDays", "termInDays", "limit", "interestOwed",
	}
)

// EngineConfig holds the deployment and protocol constants.
type EngineConfig struct {
	Network                Network
	Params                 tranche.Params
	WithdrawFeeDenominator int64
}

// Engine composes chain reads into entity snapshots. Every call recomputes
// from scratch; the engine keeps no state besides the token cache.
type Engine struct {
	src      domain.ChainDataSource
	tokens   domain.TokenCache
	net      Network
	params   tranche.Params
	feeDenom int64
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an Engine. tokens may be nil, in which case token
// decimals are read on every refresh.
func NewEngine(src domain.ChainDataSource, tokens domain.TokenCache, cfg EngineConfig, logger *slog.Logger) *Engine {
	params := cfg.Params
	if params.DefaultLeverageRatio.IsZero() {
		params = tranche.DefaultParams
	}
	return &Engine{
		src:      src,
		tokens:   tokens,
		net:      cfg.Network,
		params:   params,
		feeDenom: cfg.WithdrawFeeDenominator,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// SetClock replaces the wall clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ChainID is the id of the connected network, zero when disconnected.
func (e *Engine) ChainID() uint64 {
	if e.src == nil {
		return 0
	}
	return e.src.ChainID()
}

// Network returns the configured deployment.
func (e *Engine) Network() Network {
	return e.net
}

// Params returns the tranche parameters in effect.
func (e *Engine) Params() tranche.Params {
	return e.params
}

func (e *Engine) available() bool {
	return e.src != nil && e.net.Supports(e.src.ChainID())
}

// CheckNetwork reports whether snapshots can be computed right now. It
// returns domain.ErrUnsupportedNetwork when the node serves a chain outside
// the supported set, and the node's error when it cannot report its head.
func (e *Engine) CheckNetwork(ctx context.Context) error {
	if e.src == nil {
		return fmt.Errorf("engine: no chain connection: %w", domain.ErrUnsupportedNetwork)
	}
	if !e.net.Supports(e.src.ChainID()) {
		return fmt.Errorf("engine: chain %d: %w", e.src.ChainID(), domain.ErrUnsupportedNetwork)
	}
	if _, err := e.src.CurrentBlockNumber(ctx); err != nil {
		return fmt.Errorf("engine: current block: %w", err)
	}
	return nil
}

// ParseAddress accepts a hex address and rejects the zero address.
func ParseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// Decimals returns the payment token and share token decimals, consulting
// the token cache first.
func (e *Engine) Decimals(ctx context.Context) (ledger.Decimals, error) {
	var dec ledger.Decimals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := e.token(gctx, TickerUSDC, e.net.usdc())
		dec.Amount = t.Decimals
		return err
	})
	g.Go(func() error {
		t, err := e.token(gctx, TickerFIDU, e.net.fidu())
		dec.Shares = t.Decimals
		return err
	})
	if err := g.Wait(); err != nil {
		return ledger.Decimals{}, err
	}
	return dec, nil
}

func (e *Engine) token(ctx context.Context, ticker string, contract domain.ContractID) (domain.Token, error) {
	chainID := e.src.ChainID()
	if e.tokens != nil {
		t, err := e.tokens.Get(ctx, chainID, ticker)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "engine: token cache read failed",
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	res, err := e.src.Call(ctx, contract, "decimals")
	if err != nil {
		return domain.Token{}, fmt.Errorf("engine: %s decimals: %w", ticker, err)
	}
	d, err := res.Uint64(0)
	if err != nil {
		return domain.Token{}, fmt.Errorf("engine: %s decimals: %w", ticker, err)
	}
	t := domain.Token{ChainID: chainID, Ticker: ticker, Address: contract.Address, Decimals: int32(d)}
	if e.tokens != nil {
		if err := e.tokens.Set(ctx, t); err != nil {
			e.logger.WarnContext(ctx, "engine: token cache write failed",
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}
	}
	return t, nil
}

// prelude resolves the decimals and the head block concurrently.
func (e *Engine) prelude(ctx context.Context) (ledger.Decimals, uint64, error) {
	var (
		dec  ledger.Decimals
		head uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dec, err = e.Decimals(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		head, err = e.src.CurrentBlockNumber(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return ledger.Decimals{}, 0, err
	}
	return dec, head, nil
}

func (e *Engine) events(ctx context.Context, contract domain.ContractID, names []string, filter domain.EventFilter, head uint64) ([]*domain.RawEvent, error) {
	return e.src.PastEvents(ctx, contract, names, filter, e.net.FromBlock, head)
}

// Borrower builds the snapshot of every credit line owned by address.
func (e *Engine) Borrower(ctx context.Context, address string) (BorrowerSnapshot, error) {
	addr, ok := ParseAddress(address)
	if !ok || !e.available() {
		return EmptyBorrower(e.ChainID(), address), nil
	}
	wrap := func(op string, err error) error {
		return domain.NewComputeError(EntityBorrower, addr.Hex(), op, err)
	}

	dec, head, err := e.prelude(ctx)
	if err != nil {
		return BorrowerSnapshot{}, wrap("prelude", err)
	}
	now := e.now()

	var (
		positions []creditline.Position
		drawdowns []*domain.RawEvent
		payments  []*domain.RawEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := e.src.Call(gctx, e.net.creditDesk(), "getBorrowerCreditLines", addr)
		if err != nil {
			return wrap("credit lines", err)
		}
		lines, err := res.Addresses(0)
		if err != nil {
			return wrap("credit lines", err)
		}
		positions, err = e.creditLines(gctx, lines, dec, uint64(now.Unix()))
		return err
	})
	g.Go(func() error {
		var err error
		drawdowns, err = e.events(gctx, e.net.creditDesk(), []string{"DrawdownMade"}, domain.EventFilter{"borrower": addr}, head)
		return wrap("drawdowns", err)
	})
	g.Go(func() error {
		var err error
		payments, err = e.events(gctx, e.net.creditDesk(), []string{"PaymentCollected"}, domain.EventFilter{"payer": addr}, head)
		return wrap("payments", err)
	})
	if err := g.Wait(); err != nil {
		return BorrowerSnapshot{}, err
	}

	txs, err := ledger.Merge(ctx, e.src, dec, drawdowns, payments)
	if err != nil {
		return BorrowerSnapshot{}, wrap("ledger", err)
	}
	return BorrowerSnapshot{
		ChainID:      e.ChainID(),
		Address:      addr.Hex(),
		CreditLines:  creditline.NewSet(positions...),
		Transactions: txs,
		BlockNumber:  head,
		AsOf:         now.UTC(),
		Loaded:       true,
	}, nil
}

func (e *Engine) creditLines(ctx context.Context, lines []common.Address, dec ledger.Decimals, now uint64) ([]creditline.Position, error) {
	out := make([]creditline.Position, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	for i, cl := range lines {
		g.Go(func() error {
			snap, err := e.CreditLineSnapshot(gctx, cl, dec)
			if err != nil {
				return domain.NewComputeError(EntityCreditLine, cl.Hex(), "read", err)
			}
			out[i] = creditline.Compute(snap, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreditLineSnapshot reads every view a credit line computation needs in one
// batch, including the payment token balance held by the line itself.
func (e *Engine) CreditLineSnapshot(ctx context.Context, addr common.Address, dec ledger.Decimals) (creditline.Snapshot, error) {
	cl := creditLineContract(addr)
	reqs := make([]domain.CallRequest, 0, len(creditLineViews)+1)
	for _, m := range creditLineViews {
		reqs = append(reqs, domain.Call(cl, m))
	}
	reqs = append(reqs, domain.Call(e.net.usdc(), "balanceOf", addr))

	res, err := e.src.BatchCall(ctx, reqs)
	if err != nil {
		return creditline.Snapshot{}, err
	}
	d := decoder{res: res}
	snap := creditline.Snapshot{
		Address:                 addr.Hex(),
		Balance:                 d.amount(0, dec.Amount),
		InterestApr:             d.big(1),
		InterestAccruedAsOf:     d.uint64(2),
		NextDueTime:             d.uint64(3),
		TermEndTime:             d.uint64(4),
		LastFullPaymentTime:     d.uint64(5),
		PaymentPeriodInDays:     d.uint64(6),
		TermInDays:              d.uint64(7),
		Limit:                   d.amount(8, dec.Amount),
		InterestOwed:            d.amount(9, dec.Amount),
		CollectedPaymentBalance: d.amount(10, dec.Amount),
	}
	return snap, d.err
}

// CapitalProvider values address's senior pool shares.
func (e *Engine) CapitalProvider(ctx context.Context, address string) (CapitalProviderSnapshot, error) {
	addr, ok := ParseAddress(address)
	if !ok || !e.available() {
		return EmptyCapitalProvider(e.ChainID(), address), nil
	}
	wrap := func(op string, err error) error {
		return domain.NewComputeError(EntityCapitalProvider, addr.Hex(), op, err)
	}

	dec, head, err := e.prelude(ctx)
	if err != nil {
		return CapitalProviderSnapshot{}, wrap("prelude", err)
	}

	var (
		reads      []domain.CallResult
		userEvents [][]*domain.RawEvent
		poolEvents [][]*domain.RawEvent
	)
	filter := domain.EventFilter{"capitalProvider": addr}
	userContracts := []domain.ContractID{e.net.seniorPool()}
	if legacy, ok := e.net.legacyPool(); ok {
		userContracts = append(userContracts, legacy)
	}
	userEvents = make([][]*domain.RawEvent, len(userContracts)+1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reads, err = e.src.BatchCall(gctx, []domain.CallRequest{
			domain.Call(e.net.fidu(), "balanceOf", addr),
			domain.Call(e.net.seniorPool(), "sharePrice"),
			domain.Call(e.net.usdc(), "allowance", addr, e.net.SeniorPool),
		})
		return wrap("reads", err)
	})
	for i, c := range userContracts {
		g.Go(func() error {
			var err error
			userEvents[i], err = e.events(gctx, c, providerEvents, filter, head)
			return wrap("events "+c.Name, err)
		})
	}
	g.Go(func() error {
		var err error
		userEvents[len(userContracts)], err = e.events(gctx, e.net.usdc(), []string{"Approval"},
			domain.EventFilter{"owner": addr, "spender": e.net.SeniorPool}, head)
		return wrap("approvals", err)
	})
	g.Go(func() error {
		var err error
		poolEvents, err = e.seniorPoolEvents(gctx, head)
		return wrap("pool events", err)
	})
	if err := g.Wait(); err != nil {
		return CapitalProviderSnapshot{}, err
	}

	userTxs, err := ledger.Merge(ctx, e.src, dec, userEvents...)
	if err != nil {
		return CapitalProviderSnapshot{}, wrap("ledger", err)
	}
	poolTxs, err := ledger.Merge(ctx, e.src, dec, poolEvents...)
	if err != nil {
		return CapitalProviderSnapshot{}, wrap("pool ledger", err)
	}

	d := decoder{res: reads}
	in := capital.Inputs{
		Address:                addr.Hex(),
		NumShares:              d.amount(0, dec.Shares),
		SharePrice:             d.amount(1, sharePriceDecimals),
		Allowance:              d.amount(2, dec.Amount),
		WithdrawFeeDenominator: e.feeDenom,
		Ledger:                 userTxs,
		PoolLedger:             poolTxs,
	}
	if d.err != nil {
		return CapitalProviderSnapshot{}, wrap("decode", d.err)
	}
	return CapitalProviderSnapshot{
		ChainID:      e.ChainID(),
		Position:     capital.Value(in),
		Transactions: userTxs,
		BlockNumber:  head,
		AsOf:         e.now().UTC(),
	}, nil
}

// seniorPoolEvents fetches pool-wide events from the current and, when
// configured, the legacy pool.
func (e *Engine) seniorPoolEvents(ctx context.Context, head uint64) ([][]*domain.RawEvent, error) {
	contracts := []domain.ContractID{e.net.seniorPool()}
	if legacy, ok := e.net.legacyPool(); ok {
		contracts = append(contracts, legacy)
	}
	out := make([][]*domain.RawEvent, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range contracts {
		g.Go(func() error {
			var err error
			out[i], err = e.events(gctx, c, poolEventNames, nil, head)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SeniorPool builds the pool-wide snapshot.
func (e *Engine) SeniorPool(ctx context.Context) (SeniorPoolSnapshot, error) {
	if !e.available() {
		return EmptySeniorPool(e.ChainID()), nil
	}
	address := e.net.SeniorPool.Hex()
	wrap := func(op string, err error) error {
		return domain.NewComputeError(EntitySeniorPool, address, op, err)
	}

	dec, head, err := e.prelude(ctx)
	if err != nil {
		return SeniorPoolSnapshot{}, wrap("prelude", err)
	}

	var (
		reads  []domain.CallResult
		events [][]*domain.RawEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reads, err = e.src.BatchCall(gctx, []domain.CallRequest{
			domain.Call(e.net.seniorPool(), "sharePrice"),
			domain.Call(e.net.seniorPool(), "assets"),
			domain.Call(e.net.seniorPool(), "totalLoansOutstanding"),
			domain.Call(e.net.fidu(), "totalSupply"),
		})
		return wrap("reads", err)
	})
	g.Go(func() error {
		var err error
		events, err = e.seniorPoolEvents(gctx, head)
		return wrap("events", err)
	})
	if err := g.Wait(); err != nil {
		return SeniorPoolSnapshot{}, err
	}

	txs, err := ledger.Merge(ctx, e.src, dec, events...)
	if err != nil {
		return SeniorPoolSnapshot{}, wrap("ledger", err)
	}

	d := decoder{res: reads}
	snap := SeniorPoolSnapshot{
		ChainID:               e.ChainID(),
		Address:               address,
		SharePrice:            d.amount(0, sharePriceDecimals),
		TotalPoolAssets:       d.amount(1, dec.Amount),
		TotalLoansOutstanding: d.amount(2, dec.Amount),
		TotalShares:           d.amount(3, dec.Shares),
		Transactions:          txs,
		BlockNumber:           head,
		AsOf:                  e.now().UTC(),
		Loaded:                true,
	}
	if d.err != nil {
		return SeniorPoolSnapshot{}, wrap("decode", d.err)
	}
	snap.PoolBalance = snap.PoolBalanceAsOf(ledger.BeforeBlock(head + 1))
	snap.TotalInterestCollected = decimal.Zero
	for _, tx := range ledger.Filter(txs, domain.TxInterestCollected) {
		snap.TotalInterestCollected = snap.TotalInterestCollected.Add(tx.Amount)
	}
	return snap, nil
}

// TranchedPool builds the economics snapshot of one tranched pool.
func (e *Engine) TranchedPool(ctx context.Context, address string) (TranchedPoolSnapshot, error) {
	addr, ok := ParseAddress(address)
	if !ok || !e.available() {
		return EmptyTranchedPool(e.ChainID(), address, e.params), nil
	}
	wrap := func(op string, err error) error {
		return domain.NewComputeError(EntityTranchedPool, addr.Hex(), op, err)
	}

	dec, head, err := e.prelude(ctx)
	if err != nil {
		return TranchedPoolSnapshot{}, wrap("prelude", err)
	}
	pool := tranchedPoolContract(addr)

	var (
		poolReads    []domain.CallResult
		creditReads  []domain.CallResult
		creditLine   common.Address
		contribution *big.Int
		events       []*domain.RawEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		poolReads, err = e.src.BatchCall(gctx, []domain.CallRequest{
			domain.Call(pool, "getTranche", big.NewInt(tranche.JuniorTrancheID)),
			domain.Call(pool, "getTranche", big.NewInt(tranche.SeniorTrancheID)),
			domain.Call(pool, "juniorFeePercent"),
		})
		return wrap("tranches", err)
	})
	g.Go(func() error {
		res, err := e.src.Call(gctx, pool, "creditLine")
		if err != nil {
			return wrap("credit line", err)
		}
		creditLine, err = res.Address(0)
		if err != nil {
			return wrap("credit line", err)
		}
		creditReads, err = e.src.BatchCall(gctx, []domain.CallRequest{
			domain.Call(creditLineContract(creditLine), "balance"),
			domain.Call(creditLineContract(creditLine), "limit"),
			domain.Call(creditLineContract(creditLine), "interestApr"),
		})
		return wrap("credit terms", err)
	})
	g.Go(func() error {
		res, err := e.src.Call(gctx, e.net.seniorPool(), "estimateInvestment", addr)
		if err != nil {
			return wrap("senior contribution", err)
		}
		contribution, err = res.Big(0)
		return wrap("senior contribution", err)
	})
	g.Go(func() error {
		var err error
		events, err = e.events(gctx, pool, trancheEvents, nil, head)
		return wrap("events", err)
	})
	if err := g.Wait(); err != nil {
		return TranchedPoolSnapshot{}, err
	}

	txs, err := ledger.Merge(ctx, e.src, dec, events)
	if err != nil {
		return TranchedPoolSnapshot{}, wrap("ledger", err)
	}

	pd := decoder{res: poolReads}
	junior := pd.tranche(0, dec.Amount)
	senior := pd.tranche(1, dec.Amount)
	params := e.params
	if fee := pd.big(2); fee != nil && fee.Sign() > 0 {
		params.JuniorFeeFraction = decimal.NewFromBigInt(fee, -2)
	}
	cd := decoder{res: creditReads}
	credit := tranche.CreditTerms{
		Balance:     cd.amount(0, dec.Amount),
		Limit:       cd.amount(1, dec.Amount),
		InterestApr: decimal.NewFromBigInt(cd.big(2), 0).Div(creditline.InterestDecimals),
	}
	if err := errors.Join(pd.err, cd.err); err != nil {
		return TranchedPoolSnapshot{}, wrap("decode", err)
	}

	now := e.now()
	econ := tranche.New(junior, senior, decimal.NewFromBigInt(contribution, -dec.Amount), credit, params)
	return TranchedPoolSnapshot{
		ChainID:            e.ChainID(),
		Address:            addr.Hex(),
		CreditLine:         creditLine.Hex(),
		Economics:          econ,
		EstimatedJuniorAPY: econ.EstimateJuniorAPY(econ.EstimatedLeverageRatio),
		PoolState:          econ.PoolState(uint64(now.Unix())),
		Transactions:       txs,
		BlockNumber:        head,
		AsOf:               now.UTC(),
		Loaded:             true,
	}, nil
}

// Pools builds a snapshot of every configured tranched pool, in
// configuration order.
func (e *Engine) Pools(ctx context.Context) ([]TranchedPoolSnapshot, error) {
	out := make([]TranchedPoolSnapshot, len(e.net.TranchedPools))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range e.net.TranchedPools {
		g.Go(func() error {
			var err error
			out[i], err = e.TranchedPool(gctx, addr.Hex())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// decoder reads typed values from batch results and keeps the first error.
type decoder struct {
	res []domain.CallResult
	err error
}

func (d *decoder) at(i int) domain.CallResult {
	if i < len(d.res) {
		return d.res[i]
	}
	return nil
}

func (d *decoder) big(i int) *big.Int {
	v, err := d.at(i).Big(0)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("result %d: %w", i, err)
		}
		return new(big.Int)
	}
	return v
}

func (d *decoder) uint64(i int) uint64 {
	v := d.big(i)
	if !v.IsUint64() {
		if d.err == nil {
			d.err = fmt.Errorf("result %d: %w: %s overflows uint64", i, domain.ErrBadCallResult, v)
		}
		return 0
	}
	return v.Uint64()
}

func (d *decoder) amount(i int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(d.big(i), -decimals)
}

// tranche decodes a flattened getTranche result.
func (d *decoder) tranche(i int, amountDecimals int32) tranche.Info {
	r := d.at(i)
	field := func(j int) *big.Int {
		v, err := r.Big(j)
		if err != nil {
			if d.err == nil {
				d.err = fmt.Errorf("result %d field %d: %w", i, j, err)
			}
			return new(big.Int)
		}
		return v
	}
	return tranche.Info{
		ID:                  field(0).Uint64(),
		PrincipalDeposited:  decimal.NewFromBigInt(field(1), -amountDecimals),
		PrincipalSharePrice: decimal.NewFromBigInt(field(2), -sharePriceDecimals),
		InterestSharePrice:  decimal.NewFromBigInt(field(3), -sharePriceDecimals),
		LockedUntil:         field(4).Uint64(),
	}
}
