// Package tranche estimates the economics of a two-tranche pool: leverage
// between senior and junior capital, the junior tranche's APY net of fees,
// and the pool's lock state.
package tranche

import (
	"github.com/shopspring/decimal"
)

// Tranche ids as assigned by the pool contract.
const (
	SeniorTrancheID = 1
	JuniorTrancheID = 2
)

// Info is a tranche as reported by the pool contract. Amounts are in
// payment-token units; LockedUntil is a unix timestamp, zero when unlocked.
type Info struct {
	ID                  uint64          `json:"id"`
	PrincipalDeposited  decimal.Decimal `json:"principalDeposited"`
	PrincipalSharePrice decimal.Decimal `json:"principalSharePrice"`
	InterestSharePrice  decimal.Decimal `json:"interestSharePrice"`
	LockedUntil         uint64          `json:"lockedUntil"`
}

// Params are protocol-configured constants.
type Params struct {
	DefaultLeverageRatio decimal.Decimal
	// JuniorFeeFraction is the share of senior interest redirected to juniors.
	JuniorFeeFraction decimal.Decimal
	// ReserveFeeFraction is the share of interest taken by the protocol reserve.
	ReserveFeeFraction decimal.Decimal
}

// DefaultParams mirrors the protocol's launch configuration: 4x leverage,
// a 20% junior fee and a 10% reserve fee.
var DefaultParams = Params{
	DefaultLeverageRatio: decimal.NewFromInt(4),
	JuniorFeeFraction:    decimal.RequireFromString("0.2"),
	ReserveFeeFraction:   decimal.RequireFromString("0.1"),
}

// CreditTerms is the subset of the pool's credit line used for estimates.
type CreditTerms struct {
	Balance     decimal.Decimal `json:"balance"`
	Limit       decimal.Decimal `json:"limit"`
	InterestApr decimal.Decimal `json:"interestApr"`
}

// Economics bundles a pool's tranches with its derived leverage figures.
type Economics struct {
	JuniorTranche                   Info            `json:"juniorTranche"`
	SeniorTranche                   Info            `json:"seniorTranche"`
	TotalDeposited                  decimal.Decimal `json:"totalDeposited"`
	EstimatedSeniorPoolContribution decimal.Decimal `json:"estimatedSeniorPoolContribution"`
	EstimatedLeverageRatio          decimal.Decimal `json:"estimatedLeverageRatio"`
	Credit                          CreditTerms     `json:"credit"`
	Params                          Params          `json:"-"`
}

// New builds Economics and fills the derived totals.
func New(junior, senior Info, seniorPoolContribution decimal.Decimal, credit CreditTerms, params Params) Economics {
	e := Economics{
		JuniorTranche:                   junior,
		SeniorTranche:                   senior,
		TotalDeposited:                  junior.PrincipalDeposited.Add(senior.PrincipalDeposited),
		EstimatedSeniorPoolContribution: seniorPoolContribution,
		Credit:                          credit,
		Params:                          params,
	}
	e.EstimatedLeverageRatio = e.EstimateLeverageRatio()
	return e
}

// EstimateLeverageRatio returns the ratio of non-junior to junior capital
// once the senior pool has invested its estimated contribution, or the
// configured default when nothing has been deposited in the junior tranche.
func (e Economics) EstimateLeverageRatio() decimal.Decimal {
	junior := e.JuniorTranche.PrincipalDeposited
	if junior.IsZero() {
		return e.Params.DefaultLeverageRatio
	}
	total := junior.Add(e.SeniorTranche.PrincipalDeposited).Add(e.EstimatedSeniorPoolContribution)
	return total.Sub(junior).Div(junior)
}

// EstimateJuniorAPY returns the junior tranche's expected APY as a
// percentage for leverage ratio l. Before drawdown the credit limit stands in
// for the balance.
func (e Economics) EstimateJuniorAPY(l decimal.Decimal) decimal.Decimal {
	balance := e.Credit.Balance
	if balance.IsZero() {
		balance = e.Credit.Limit
	}
	if balance.IsZero() {
		return decimal.Zero
	}

	one := decimal.NewFromInt(1)
	seniorFraction := l.Div(one.Add(l))
	juniorFraction := one.Div(one.Add(l))
	if juniorFraction.IsZero() {
		return decimal.Zero
	}

	interest := balance.Mul(e.Credit.InterestApr)
	grossSenior := interest.Mul(seniorFraction)
	grossJunior := interest.Mul(juniorFraction)
	juniorFee := grossSenior.Mul(e.Params.JuniorFeeFraction)
	reserveFee := grossJunior.Mul(e.Params.ReserveFeeFraction)
	netJunior := grossJunior.Add(juniorFee).Sub(reserveFee)

	return netJunior.Div(balance.Mul(juniorFraction)).Mul(decimal.NewFromInt(100))
}

// RemainingCapacity is how much more may be deposited before maxCapacity.
func (e Economics) RemainingCapacity(maxCapacity decimal.Decimal) decimal.Decimal {
	return decimal.Max(maxCapacity.Sub(e.TotalDeposited), decimal.Zero)
}
