package domain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ABI names understood by the chain data source.
const (
	ABIERC20        = "erc20"
	ABIPool         = "pool"
	ABISeniorPool   = "senior_pool"
	ABICreditDesk   = "credit_desk"
	ABICreditLine   = "credit_line"
	ABITranchedPool = "tranched_pool"
)

// ContractID names a deployed contract. Name selects the ABI, Address the
// deployment; several deployments may share one ABI (e.g. the legacy and the
// current pool).
type ContractID struct {
	Name    string
	Address common.Address
}

func (c ContractID) String() string {
	return c.Name + "@" + c.Address.Hex()
}

// CallRequest is a single read-only contract view invocation.
type CallRequest struct {
	Contract ContractID
	Method   string
	Args     []any
}

// Call builds a CallRequest.
func Call(contract ContractID, method string, args ...any) CallRequest {
	return CallRequest{Contract: contract, Method: method, Args: args}
}

// CallResult holds the decoded outputs of a contract call, in ABI order.
type CallResult []any

// Big returns output i as an integer.
func (r CallResult) Big(i int) (*big.Int, error) {
	if i < 0 || i >= len(r) {
		return nil, fmt.Errorf("%w: output %d of %d", ErrBadCallResult, i, len(r))
	}
	switch v := r[i].(type) {
	case *big.Int:
		if v == nil {
			return new(big.Int), nil
		}
		return v, nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("%w: output %d is %T, want integer", ErrBadCallResult, i, r[i])
	}
}

// Uint64 returns output i as a uint64. Timestamps and day counts fit.
func (r CallResult) Uint64(i int) (uint64, error) {
	b, err := r.Big(i)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: output %d (%s) overflows uint64", ErrBadCallResult, i, b)
	}
	return b.Uint64(), nil
}

// Address returns output i as an address.
func (r CallResult) Address(i int) (common.Address, error) {
	if i < 0 || i >= len(r) {
		return common.Address{}, fmt.Errorf("%w: output %d of %d", ErrBadCallResult, i, len(r))
	}
	a, ok := r[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: output %d is %T, want address", ErrBadCallResult, i, r[i])
	}
	return a, nil
}

// Addresses returns output i as an address array.
func (r CallResult) Addresses(i int) ([]common.Address, error) {
	if i < 0 || i >= len(r) {
		return nil, fmt.Errorf("%w: output %d of %d", ErrBadCallResult, i, len(r))
	}
	a, ok := r[i].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: output %d is %T, want address[]", ErrBadCallResult, i, r[i])
	}
	return a, nil
}

// EventFilter restricts events by indexed argument name. Values are matched
// by equality on the topic.
type EventFilter map[string]any

// Block carries the block fields the engine needs.
type Block struct {
	Number    uint64
	Timestamp uint64
}

// RawEvent is an undecoded-by-semantics event record as returned by the data
// source. Values holds every named argument, indexed or not.
type RawEvent struct {
	ID          string // "<txhash>-<logindex>"
	Event       string
	Contract    string
	Address     common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Values      map[string]any
}

// BlockSource resolves block headers.
type BlockSource interface {
	Block(ctx context.Context, number uint64) (Block, error)
}

// ChainDataSource is the read-only view of the chain the engine depends on.
// PastEvents does not guarantee ordering; consumers sort.
type ChainDataSource interface {
	BlockSource
	Call(ctx context.Context, contract ContractID, method string, args ...any) (CallResult, error)
	BatchCall(ctx context.Context, reqs []CallRequest) ([]CallResult, error)
	PastEvents(ctx context.Context, contract ContractID, events []string, filter EventFilter, fromBlock, toBlock uint64) ([]*RawEvent, error)
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	ChainID() uint64
}
