// Package capital values a capital provider's pool shares against the
// deposits that produced them.
package capital

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/ledger"
)

// Position is a lender's capital position in the senior pool.
// WeightedAverageSharePrice and the gains derived from it are null when the
// share balance cannot be attributed to observed deposits; callers must show
// that as unknown, not zero.
type Position struct {
	Address                   string              `json:"address"`
	NumShares                 decimal.Decimal     `json:"numShares"`
	SharePrice                decimal.Decimal     `json:"sharePrice"`
	AvailableToWithdraw       decimal.Decimal     `json:"availableToWithdraw"`
	Allowance                 decimal.Decimal     `json:"allowance"`
	WeightedAverageSharePrice decimal.NullDecimal `json:"weightedAverageSharePrice"`
	UnrealizedGains           decimal.NullDecimal `json:"unrealizedGains"`
	UnrealizedGainsPercentage decimal.NullDecimal `json:"unrealizedGainsPercentage"`
	InterestEarned            decimal.Decimal     `json:"interestEarned"`
	Loaded                    bool                `json:"loaded"`
}

// Empty is the position used when no address is known yet.
func Empty(address string) Position {
	return Position{
		Address:             address,
		NumShares:           decimal.Zero,
		SharePrice:          decimal.Zero,
		AvailableToWithdraw: decimal.Zero,
		Allowance:           decimal.Zero,
		InterestEarned:      decimal.Zero,
	}
}

// Inputs are the values a valuation is computed from.
type Inputs struct {
	Address    string
	NumShares  decimal.Decimal
	SharePrice decimal.Decimal
	Allowance  decimal.Decimal
	// WithdrawFeeDenominator charges 1/n on withdrawal; zero disables the fee.
	WithdrawFeeDenominator int64
	// Ledger is the provider's own deposit/withdrawal history.
	Ledger []domain.Transaction
	// PoolLedger is the pool-wide deposit/withdrawal/interest history used
	// to apportion interest. May be nil.
	PoolLedger []domain.Transaction
}

// Value derives a Position from in.
func Value(in Inputs) Position {
	p := Empty(in.Address)
	p.NumShares = in.NumShares
	p.SharePrice = in.SharePrice
	p.Allowance = in.Allowance
	p.Loaded = true

	gross := in.NumShares.Mul(in.SharePrice)
	p.AvailableToWithdraw = gross
	if in.WithdrawFeeDenominator > 0 {
		fee := gross.Div(decimal.NewFromInt(in.WithdrawFeeDenominator))
		p.AvailableToWithdraw = gross.Sub(fee)
	}

	deposits := ledger.Filter(in.Ledger, domain.TxSupply)
	p.WeightedAverageSharePrice = WeightedAverageSharePrice(deposits, in.NumShares)
	if avg := p.WeightedAverageSharePrice; avg.Valid {
		diff := in.SharePrice.Sub(avg.Decimal)
		p.UnrealizedGains = decimal.NewNullDecimal(diff.Mul(in.NumShares))
		if !avg.Decimal.IsZero() {
			p.UnrealizedGainsPercentage = decimal.NewNullDecimal(diff.Div(avg.Decimal))
		}
	}

	if in.PoolLedger != nil {
		interest := ledger.Filter(in.PoolLedger, domain.TxInterestCollected)
		userPrincipal := ledger.Filter(in.Ledger, domain.TxSupply, domain.TxWithdrawal)
		poolPrincipal := ledger.Filter(in.PoolLedger, domain.TxSupply, domain.TxWithdrawal)
		p.InterestEarned = ApportionInterest(interest, userPrincipal, poolPrincipal)
	}
	return p
}

// WeightedAverageSharePrice attributes currentShares to deposits, newest
// deposit first, and returns the average price paid per share. The result is
// null when some shares cannot be explained by the deposits (they arrived
// through a path not observed as a deposit, such as a transfer) or when there
// are no shares at all.
//
// Note the walk retires the most recent deposits first, which is LIFO share
// attribution even though the figure is usually described as a FIFO cost
// basis.
func WeightedAverageSharePrice(deposits []domain.Transaction, currentShares decimal.Decimal) decimal.NullDecimal {
	if !currentShares.IsPositive() {
		return decimal.NullDecimal{}
	}

	ordered := make([]domain.Transaction, len(deposits))
	copy(ordered, deposits)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BlockNumber != ordered[j].BlockNumber {
			return ordered[i].BlockNumber > ordered[j].BlockNumber
		}
		return ordered[i].LogIndex > ordered[j].LogIndex
	})

	remaining := currentShares
	totalPaid := decimal.Zero
	for _, dep := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !dep.Shares.IsPositive() {
			continue
		}
		price := dep.Amount.Div(dep.Shares)
		used := decimal.Min(remaining, dep.Shares)
		totalPaid = totalPaid.Add(used.Mul(price))
		remaining = remaining.Sub(used)
	}
	if remaining.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(totalPaid.Div(currentShares))
}

// ApportionInterest credits the provider with each interest collection in
// proportion to its share of the pool's principal just before the
// collection's block. The share is capped at the whole collection, since a
// provider can never own more than the pool.
func ApportionInterest(interest, user, pool []domain.Transaction) decimal.Decimal {
	earned := decimal.Zero
	for _, ic := range interest {
		cutoff := ledger.BeforeBlock(ic.BlockNumber)
		poolBalance := ledger.BalanceAsOf(pool, cutoff, domain.TxWithdrawal)
		if !poolBalance.IsPositive() {
			continue
		}
		userBalance := ledger.BalanceAsOf(user, cutoff, domain.TxWithdrawal)
		if !userBalance.IsPositive() {
			continue
		}
		if userBalance.GreaterThan(poolBalance) {
			earned = earned.Add(ic.Amount)
			continue
		}
		earned = earned.Add(ic.Amount.Mul(userBalance).Div(poolBalance))
	}
	return earned
}
