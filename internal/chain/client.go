// Package chain implements domain.ChainDataSource on top of a go-ethereum
// JSON-RPC client. Contract ABIs are embedded and selected by name.
package chain

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"math/big"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/metrics"
)

//go:embed abi/*.json
var abiFS embed.FS

// EthClient is the subset of the Ethereum RPC the data source uses.
// *ethclient.Client satisfies it.
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter throttles every RPC request through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMetrics records RPC counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBlockRange splits log queries into windows of at most n blocks.
// Zero queries the whole range at once.
func WithBlockRange(n uint64) Option {
	return func(c *Client) { c.blockRange = n }
}

// WithConcurrency bounds parallel requests issued by BatchCall and PastEvents.
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

// Client is a ChainDataSource backed by an Ethereum node.
type Client struct {
	eth         EthClient
	chainID     uint64
	abis        map[string]abi.ABI
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	blockRange  uint64
	concurrency int
	closeFn     func()
}

var _ domain.ChainDataSource = (*Client)(nil)

// New wraps an existing RPC client.
func New(eth EthClient, chainID uint64, opts ...Option) (*Client, error) {
	abis, err := loadABIs()
	if err != nil {
		return nil, err
	}
	c := &Client{
		eth:         eth,
		chainID:     chainID,
		abis:        abis,
		logger:      slog.Default(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "chain"))
	return c, nil
}

// Dial connects to rpcURL and checks the node reports expectedChainID.
func Dial(ctx context.Context, rpcURL string, expectedChainID uint64, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc url required")
	}
	ec, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	id, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	if expectedChainID != 0 && id.Uint64() != expectedChainID {
		ec.Close()
		return nil, fmt.Errorf("chain: node reports chain %s, configured %d", id, expectedChainID)
	}
	c, err := New(ec, id.Uint64(), opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closeFn = ec.Close
	return c, nil
}

// Close releases the underlying connection when the client owns it.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// ChainID returns the network id the client was built for.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// ABI returns the parsed ABI registered under name.
func (c *Client) ABI(name string) (abi.ABI, error) {
	a, ok := c.abis[name]
	if !ok {
		return abi.ABI{}, fmt.Errorf("%w: %s", domain.ErrUnknownContract, name)
	}
	return a, nil
}

// Call invokes a view method at the latest block and decodes its outputs.
func (c *Client) Call(ctx context.Context, contract domain.ContractID, method string, args ...any) (domain.CallResult, error) {
	a, err := c.ABI(contract.Name)
	if err != nil {
		return nil, err
	}
	if _, ok := a.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownMethod, contract.Name, method)
	}
	input, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s.%s: %w", contract, method, err)
	}
	to := contract.Address
	var out []byte
	err = c.rpc(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: call %s.%s: %w", contract, method, err)
	}
	values, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s.%s: %w", contract, method, err)
	}
	return domain.CallResult(values), nil
}

// BatchCall issues every request concurrently and returns results in
// request order. The first failure cancels the rest.
func (c *Client) BatchCall(ctx context.Context, reqs []domain.CallRequest) ([]domain.CallResult, error) {
	results := make([]domain.CallResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			res, err := c.Call(gctx, req.Contract, req.Method, req.Args...)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// PastEvents returns every occurrence of the named events emitted by
// contract between fromBlock and toBlock inclusive. Filter keys name indexed
// arguments. Results are unordered.
func (c *Client) PastEvents(ctx context.Context, contract domain.ContractID, events []string, filter domain.EventFilter, fromBlock, toBlock uint64) ([]*domain.RawEvent, error) {
	a, err := c.ABI(contract.Name)
	if err != nil {
		return nil, err
	}
	queries := make([]ethereum.FilterQuery, 0, len(events))
	for _, name := range events {
		ev, ok := a.Events[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownEvent, contract.Name, name)
		}
		topics, err := eventTopics(ev, filter)
		if err != nil {
			return nil, fmt.Errorf("chain: topics %s.%s: %w", contract.Name, name, err)
		}
		for _, w := range windows(fromBlock, toBlock, c.blockRange) {
			queries = append(queries, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(w[0]),
				ToBlock:   new(big.Int).SetUint64(w[1]),
				Addresses: []common.Address{contract.Address},
				Topics:    topics,
			})
		}
	}

	batches := make([][]gethtypes.Log, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, q := range queries {
		g.Go(func() error {
			return c.rpc(gctx, "eth_getLogs", func(ctx context.Context) error {
				logs, err := c.eth.FilterLogs(ctx, q)
				if err != nil {
					return fmt.Errorf("chain: logs %s: %w", contract, err)
				}
				batches[i] = logs
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*domain.RawEvent
	for _, logs := range batches {
		for i := range logs {
			if logs[i].Removed {
				continue
			}
			raw, err := decodeLog(a, contract.Name, &logs[i])
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
	}
	c.logger.Debug("chain: past events",
		slog.String("contract", contract.String()),
		slog.Int("queries", len(queries)),
		slog.Int("events", len(out)),
	)
	return out, nil
}

// Block returns the number and timestamp of block n.
func (c *Client) Block(ctx context.Context, number uint64) (domain.Block, error) {
	var header *gethtypes.Header
	err := c.rpc(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return domain.Block{}, fmt.Errorf("chain: block %d: %w", number, err)
	}
	if header == nil {
		return domain.Block{}, fmt.Errorf("chain: block %d: %w", number, domain.ErrNotFound)
	}
	return domain.Block{Number: number, Timestamp: header.Time}, nil
}

// CurrentBlockNumber returns the head block number.
func (c *Client) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.rpc(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// rpc waits on the limiter, runs fn and records the outcome.
func (c *Client) rpc(ctx context.Context, method string, fn func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	err := fn(ctx)
	c.metrics.ObserveRPC(method, time.Since(start), err)
	return err
}

func eventTopics(ev abi.Event, filter domain.EventFilter) ([][]common.Hash, error) {
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	for key := range filter {
		found := false
		for _, in := range indexed {
			if in.Name == key {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no indexed argument %q", key)
		}
	}
	query := make([][]any, len(indexed))
	for i, in := range indexed {
		if v, ok := filter[in.Name]; ok {
			query[i] = []any{v}
		}
	}
	rest, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, err
	}
	return append([][]common.Hash{{ev.ID}}, rest...), nil
}

func decodeLog(a abi.ABI, contract string, lg *gethtypes.Log) (*domain.RawEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("%w: anonymous log in tx %s", domain.ErrUnknownEvent, lg.TxHash.Hex())
	}
	ev, err := a.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s topic %s", domain.ErrUnknownEvent, contract, lg.Topics[0].Hex())
	}
	values := make(map[string]any, len(ev.Inputs))
	if len(lg.Data) > 0 {
		if err := a.UnpackIntoMap(values, ev.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("chain: decode %s.%s data: %w", contract, ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("chain: decode %s.%s topics: %w", contract, ev.Name, err)
	}
	return &domain.RawEvent{
		ID:          fmt.Sprintf("%s-%d", lg.TxHash.Hex(), lg.Index),
		Event:       ev.Name,
		Contract:    contract,
		Address:     lg.Address,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		Values:      values,
	}, nil
}

// windows splits [from, to] into inclusive ranges of at most size blocks.
func windows(from, to, size uint64) [][2]uint64 {
	if to < from {
		return nil
	}
	if size == 0 {
		return [][2]uint64{{from, to}}
	}
	var out [][2]uint64
	for start := from; start <= to; start += size {
		end := start + size - 1
		if end > to || end < start {
			end = to
		}
		out = append(out, [2]uint64{start, end})
		if end == to {
			break
		}
	}
	return out
}

func loadABIs() (map[string]abi.ABI, error) {
	entries, err := abiFS.ReadDir("abi")
	if err != nil {
		return nil, fmt.Errorf("chain: read abi dir: %w", err)
	}
	out := make(map[string]abi.ABI, len(entries))
	for _, e := range entries {
		raw, err := abiFS.ReadFile(path.Join("abi", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("chain: read %s: %w", e.Name(), err)
		}
		parsed, err := abi.JSON(strings.NewReader(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("chain: parse %s: %w", e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = parsed
	}
	return out, nil
}
