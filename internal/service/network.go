package service

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// Entity names used for cache keys, pub/sub channels, metrics and errors.
const (
	EntityBorrower        = "borrower"
	EntityCreditLine      = "credit_line"
	EntityCapitalProvider = "capital_provider"
	EntitySeniorPool      = "senior_pool"
	EntityTranchedPool    = "tranched_pool"
	// EntityDeployment keys the cached fingerprint of the deployment the
	// cached snapshots were computed against.
	EntityDeployment = "deployment"
)

// Token tickers resolved through the token cache.
const (
	TickerUSDC = "USDC"
	TickerFIDU = "FIDU"
)

// Network is the protocol deployment on one chain.
type Network struct {
	ChainID         uint64
	SupportedChains []uint64
	FromBlock       uint64
	USDC            common.Address
	FIDU            common.Address
	SeniorPool      common.Address
	LegacyPool      common.Address
	CreditDesk      common.Address
	TranchedPools   []common.Address
}

// Supports reports whether chainID is one the deployment is configured for.
func (n Network) Supports(chainID uint64) bool {
	if chainID == 0 {
		return false
	}
	if len(n.SupportedChains) == 0 {
		return chainID == n.ChainID
	}
	for _, id := range n.SupportedChains {
		if id == chainID {
			return true
		}
	}
	return false
}

// Fingerprint identifies the deployment: every contract address and the
// first indexed block. Snapshots computed under one fingerprint are invalid
// under another.
func (n Network) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d/%s/%s/%s/%s/%s", n.ChainID, n.FromBlock,
		n.USDC.Hex(), n.FIDU.Hex(), n.SeniorPool.Hex(), n.LegacyPool.Hex(), n.CreditDesk.Hex())
	for _, p := range n.TranchedPools {
		b.WriteString("/")
		b.WriteString(p.Hex())
	}
	return crypto.Keccak256Hash([]byte(b.String())).Hex()
}

func (n Network) usdc() domain.ContractID {
	return domain.ContractID{Name: domain.ABIERC20, Address: n.USDC}
}

func (n Network) fidu() domain.ContractID {
	return domain.ContractID{Name: domain.ABIERC20, Address: n.FIDU}
}

func (n Network) seniorPool() domain.ContractID {
	return domain.ContractID{Name: domain.ABISeniorPool, Address: n.SeniorPool}
}

// legacyPool is the pre-migration pool. ok is false when none is configured.
func (n Network) legacyPool() (domain.ContractID, bool) {
	if n.LegacyPool == (common.Address{}) {
		return domain.ContractID{}, false
	}
	return domain.ContractID{Name: domain.ABIPool, Address: n.LegacyPool}, true
}

func (n Network) creditDesk() domain.ContractID {
	return domain.ContractID{Name: domain.ABICreditDesk, Address: n.CreditDesk}
}

func creditLineContract(addr common.Address) domain.ContractID {
	return domain.ContractID{Name: domain.ABICreditLine, Address: addr}
}

func tranchedPoolContract(addr common.Address) domain.ContractID {
	return domain.ContractID{Name: domain.ABITranchedPool, Address: addr}
}
