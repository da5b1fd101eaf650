package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolsight/internal/capital"
	"github.com/alanyoungcy/poolsight/internal/creditline"
	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/tranche"
)

// BorrowerSnapshot is a borrower's credit lines and their activity.
type BorrowerSnapshot struct {
	ChainID      uint64               `json:"chainId"`
	Address      string               `json:"address"`
	CreditLines  creditline.Set       `json:"creditLines"`
	Transactions []domain.Transaction `json:"transactions"`
	BlockNumber  uint64               `json:"blockNumber"`
	AsOf         time.Time            `json:"asOf"`
	Loaded       bool                 `json:"loaded"`
}

// EmptyBorrower is returned when the borrower cannot be looked up.
func EmptyBorrower(chainID uint64, address string) BorrowerSnapshot {
	return BorrowerSnapshot{
		ChainID:      chainID,
		Address:      address,
		CreditLines:  creditline.NewSet(),
		Transactions: []domain.Transaction{},
	}
}

// CapitalProviderSnapshot is a lender's senior pool position with its history.
type CapitalProviderSnapshot struct {
	ChainID      uint64               `json:"chainId"`
	Position     capital.Position     `json:"position"`
	Transactions []domain.Transaction `json:"transactions"`
	BlockNumber  uint64               `json:"blockNumber"`
	AsOf         time.Time            `json:"asOf"`
}

// EmptyCapitalProvider is returned when the lender cannot be looked up.
func EmptyCapitalProvider(chainID uint64, address string) CapitalProviderSnapshot {
	return CapitalProviderSnapshot{
		ChainID:      chainID,
		Position:     capital.Empty(address),
		Transactions: []domain.Transaction{},
	}
}

// SeniorPoolSnapshot is the pool-wide view of the senior pool.
type SeniorPoolSnapshot struct {
	ChainID                uint64               `json:"chainId"`
	Address                string               `json:"address"`
	SharePrice             decimal.Decimal      `json:"sharePrice"`
	TotalShares            decimal.Decimal      `json:"totalShares"`
	TotalPoolAssets        decimal.Decimal      `json:"totalPoolAssets"`
	TotalLoansOutstanding  decimal.Decimal      `json:"totalLoansOutstanding"`
	PoolBalance            decimal.Decimal      `json:"poolBalance"`
	TotalInterestCollected decimal.Decimal      `json:"totalInterestCollected"`
	Transactions           []domain.Transaction `json:"transactions"`
	BlockNumber            uint64               `json:"blockNumber"`
	AsOf                   time.Time            `json:"asOf"`
	Loaded                 bool                 `json:"loaded"`
}

// EmptySeniorPool is returned on unsupported networks.
func EmptySeniorPool(chainID uint64) SeniorPoolSnapshot {
	z := decimal.Zero
	return SeniorPoolSnapshot{
		ChainID:                chainID,
		SharePrice:             z,
		TotalShares:            z,
		TotalPoolAssets:        z,
		TotalLoansOutstanding:  z,
		PoolBalance:            z,
		TotalInterestCollected: z,
		Transactions:           []domain.Transaction{},
	}
}

// PoolBalanceAsOf reconstructs net deposits into the pool strictly before
// the cutoff.
func (s SeniorPoolSnapshot) PoolBalanceAsOf(cutoff ledger.Cutoff) decimal.Decimal {
	principal := ledger.Filter(s.Transactions, domain.TxSupply, domain.TxWithdrawal)
	return ledger.BalanceAsOf(principal, cutoff, domain.TxWithdrawal)
}

// TranchedPoolSnapshot is one tranched pool's economics and lock state.
type TranchedPoolSnapshot struct {
	ChainID            uint64               `json:"chainId"`
	Address            string               `json:"address"`
	CreditLine         string               `json:"creditLine"`
	Economics          tranche.Economics    `json:"economics"`
	EstimatedJuniorAPY decimal.Decimal      `json:"estimatedJuniorApy"`
	PoolState          tranche.PoolState    `json:"poolState"`
	Transactions       []domain.Transaction `json:"transactions"`
	BlockNumber        uint64               `json:"blockNumber"`
	AsOf               time.Time            `json:"asOf"`
	Loaded             bool                 `json:"loaded"`
}

// EmptyTranchedPool is returned when the pool cannot be looked up.
func EmptyTranchedPool(chainID uint64, address string, params tranche.Params) TranchedPoolSnapshot {
	z := decimal.Zero
	econ := tranche.New(
		tranche.Info{ID: tranche.JuniorTrancheID, PrincipalDeposited: z, PrincipalSharePrice: z, InterestSharePrice: z},
		tranche.Info{ID: tranche.SeniorTrancheID, PrincipalDeposited: z, PrincipalSharePrice: z, InterestSharePrice: z},
		z,
		tranche.CreditTerms{Balance: z, Limit: z, InterestApr: z},
		params,
	)
	return TranchedPoolSnapshot{
		ChainID:            chainID,
		Address:            address,
		Economics:          econ,
		EstimatedJuniorAPY: z,
		Transactions:       []domain.Transaction{},
	}
}

// RemainingCapacity is how much more the pool can accept up to maxCapacity.
func (p TranchedPoolSnapshot) RemainingCapacity(maxCapacity decimal.Decimal) decimal.Decimal {
	return p.Economics.RemainingCapacity(maxCapacity)
}
