package domain

import "github.com/ethereum/go-ethereum/common"

// Token describes an ERC-20 deployment on a given network.
type Token struct {
	ChainID  uint64         `json:"chainId"`
	Ticker   string         `json:"ticker"`
	Address  common.Address `json:"address"`
	Decimals int32          `json:"decimals"`
}
