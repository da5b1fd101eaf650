package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/metrics"
)

var poolAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeEth struct {
	mu      sync.Mutex
	abi     abi.ABI
	outputs map[string][]any
	logs    []gethtypes.Log
	queries []ethereum.FilterQuery
	headers map[uint64]uint64
	head    uint64
	callErr error
}

func (f *fakeEth) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(f.outputs[m.Name]...)
}

func (f *fakeEth) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	var out []gethtypes.Log
	for _, lg := range f.logs {
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && lg.Topics[0] != q.Topics[0][0] {
			continue
		}
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeEth) HeaderByNumber(_ context.Context, n *big.Int) (*gethtypes.Header, error) {
	ts, ok := f.headers[n.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Header{Number: n, Time: ts}, nil
}

func (f *fakeEth) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func newTestClient(t *testing.T, name string, eth *fakeEth, opts ...Option) *Client {
	t.Helper()
	c, err := New(eth, 1, opts...)
	require.NoError(t, err)
	a, err := c.ABI(name)
	require.NoError(t, err)
	eth.abi = a
	return c
}

func packLog(t *testing.T, a abi.ABI, event string, block uint64, index uint, indexed []common.Hash, data ...any) gethtypes.Log {
	t.Helper()
	ev := a.Events[event]
	payload, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)
	return gethtypes.Log{
		Address:     poolAddr,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        payload,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func TestLoadABIs_AllContracts(t *testing.T) {
	abis, err := loadABIs()
	require.NoError(t, err)
	for _, name := range []string{
		domain.ABIERC20, domain.ABIPool, domain.ABISeniorPool,
		domain.ABICreditDesk, domain.ABICreditLine, domain.ABITranchedPool,
	} {
		assert.Contains(t, abis, name)
	}
	assert.Len(t, abis[domain.ABITranchedPool].Methods["getTranche"].Outputs, 5)
}

func TestCall_DecodesOutputs(t *testing.T) {
	m := metrics.New("test")
	eth := &fakeEth{outputs: map[string][]any{
		"balance": {big.NewInt(1_000_000)},
	}}
	c := newTestClient(t, domain.ABICreditLine, eth, WithMetrics(m))

	res, err := c.Call(context.Background(), domain.ContractID{Name: domain.ABICreditLine}, "balance")
	require.NoError(t, err)
	v, err := res.Big(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), v.Int64())
	n, err := testutil.GatherAndCount(m.Registry(), "test_rpc_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCall_UnknownContractAndMethod(t *testing.T) {
	c := newTestClient(t, domain.ABIERC20, &fakeEth{})

	_, err := c.Call(context.Background(), domain.ContractID{Name: "nope"}, "balanceOf")
	assert.ErrorIs(t, err, domain.ErrUnknownContract)

	_, err = c.Call(context.Background(), domain.ContractID{Name: domain.ABIERC20}, "mint")
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)
}

func TestCall_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	c := newTestClient(t, domain.ABIERC20, &fakeEth{callErr: boom})

	_, err := c.Call(context.Background(), domain.ContractID{Name: domain.ABIERC20}, "decimals")
	assert.ErrorIs(t, err, boom)
}

func TestBatchCall_PreservesOrder(t *testing.T) {
	eth := &fakeEth{outputs: map[string][]any{
		"getTranche": {big.NewInt(2), big.NewInt(500), big.NewInt(1), big.NewInt(2), big.NewInt(1700000000)},
		"creditLine": {common.HexToAddress("0x00000000000000000000000000000000000000c1")},
	}}
	c := newTestClient(t, domain.ABITranchedPool, eth)
	pool := domain.ContractID{Name: domain.ABITranchedPool}

	res, err := c.BatchCall(context.Background(), []domain.CallRequest{
		domain.Call(pool, "creditLine"),
		domain.Call(pool, "getTranche", big.NewInt(2)),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)

	cl, err := res[0].Address(0)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000c1"), cl)

	locked, err := res[1].Uint64(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000), locked)
}

func TestPastEvents_DecodesIndexedAndData(t *testing.T) {
	eth := &fakeEth{}
	c := newTestClient(t, domain.ABISeniorPool, eth)
	provider := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	topic := common.BytesToHash(provider.Bytes())

	eth.logs = []gethtypes.Log{
		packLog(t, eth.abi, "DepositMade", 10, 0, []common.Hash{topic}, big.NewInt(100_000_000), big.NewInt(9e17)),
		packLog(t, eth.abi, "WithdrawalMade", 12, 3, []common.Hash{topic}, big.NewInt(20_000_000), big.NewInt(100_000)),
	}

	events, err := c.PastEvents(context.Background(),
		domain.ContractID{Name: domain.ABISeniorPool, Address: poolAddr},
		[]string{"DepositMade", "WithdrawalMade"},
		domain.EventFilter{"capitalProvider": provider}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	byName := map[string]*domain.RawEvent{}
	for _, ev := range events {
		byName[ev.Event] = ev
	}
	dep := byName["DepositMade"]
	require.NotNil(t, dep)
	assert.Equal(t, provider, dep.Values["capitalProvider"])
	assert.Equal(t, big.NewInt(100_000_000), dep.Values["amount"])
	assert.Equal(t, uint64(10), dep.BlockNumber)
	assert.Equal(t, dep.TxHash.Hex()+"-0", dep.ID)

	wd := byName["WithdrawalMade"]
	require.NotNil(t, wd)
	assert.Equal(t, big.NewInt(20_000_000), wd.Values["userAmount"])
	assert.Equal(t, uint(3), wd.LogIndex)

	// every query carries topic0 plus the provider topic
	for _, q := range eth.queries {
		require.GreaterOrEqual(t, len(q.Topics), 2)
		assert.Equal(t, []common.Hash{topic}, q.Topics[1])
	}
}

func TestPastEvents_RejectsUnknownEventAndFilter(t *testing.T) {
	c := newTestClient(t, domain.ABISeniorPool, &fakeEth{})
	pool := domain.ContractID{Name: domain.ABISeniorPool}

	_, err := c.PastEvents(context.Background(), pool, []string{"Minted"}, nil, 0, 10)
	assert.ErrorIs(t, err, domain.ErrUnknownEvent)

	_, err = c.PastEvents(context.Background(), pool, []string{"DepositMade"}, domain.EventFilter{"amount": big.NewInt(1)}, 0, 10)
	assert.Error(t, err)
}

func TestPastEvents_BlockRangeWindows(t *testing.T) {
	eth := &fakeEth{}
	c := newTestClient(t, domain.ABIERC20, eth, WithBlockRange(10))
	eth.logs = []gethtypes.Log{
		packLog(t, eth.abi, "Approval", 5, 0,
			[]common.Hash{common.BytesToHash([]byte{1}), common.BytesToHash([]byte{2})}, big.NewInt(7)),
		packLog(t, eth.abi, "Approval", 25, 1,
			[]common.Hash{common.BytesToHash([]byte{1}), common.BytesToHash([]byte{2})}, big.NewInt(8)),
	}

	events, err := c.PastEvents(context.Background(), domain.ContractID{Name: domain.ABIERC20}, []string{"Approval"}, nil, 0, 29)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Len(t, eth.queries, 3)
}

func TestWindows(t *testing.T) {
	assert.Equal(t, [][2]uint64{{0, 9}, {10, 19}, {20, 25}}, windows(0, 25, 10))
	assert.Equal(t, [][2]uint64{{5, 5}}, windows(5, 5, 10))
	assert.Equal(t, [][2]uint64{{0, 100}}, windows(0, 100, 0))
	assert.Nil(t, windows(10, 5, 0))
}

func TestBlockAndHead(t *testing.T) {
	eth := &fakeEth{headers: map[uint64]uint64{42: 1_650_000_000}, head: 99}
	c := newTestClient(t, domain.ABIERC20, eth)

	b, err := c.Block(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.Block{Number: 42, Timestamp: 1_650_000_000}, b)

	_, err = c.Block(context.Background(), 43)
	assert.Error(t, err)

	head, err := c.CurrentBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), head)
	assert.Equal(t, uint64(1), c.ChainID())
}
