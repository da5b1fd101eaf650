// Package creditline derives a borrower's live amortization state from a
// credit line's on-chain snapshot, extrapolating interest between the
// discrete points at which the contract settles it.
package creditline

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	SecondsPerDay  = 86400
	SecondsPerYear = 365 * SecondsPerDay
)

// InterestDecimals is the fixed-point scale of the on-chain interest APR.
var InterestDecimals = decimal.New(1, 18)

// Snapshot holds the values read from a credit line contract in a single
// refresh. Amounts are in payment-token units (dollars), times are unix
// seconds. CollectedPaymentBalance is the payment token balance held by the
// credit line's own address.
type Snapshot struct {
	Address                 string
	Balance                 decimal.Decimal
	InterestApr             *big.Int
	InterestAccruedAsOf     uint64
	NextDueTime             uint64
	TermEndTime             uint64
	LastFullPaymentTime     uint64
	PaymentPeriodInDays     uint64
	TermInDays              uint64
	Limit                   decimal.Decimal
	InterestOwed            decimal.Decimal
	CollectedPaymentBalance decimal.Decimal
}

// Position is the derived state of one credit line. Due amounts are never
// negative and AvailableCredit never exceeds Limit.
type Position struct {
	Address                  string          `json:"address"`
	Limit                    decimal.Decimal `json:"limit"`
	Balance                  decimal.Decimal `json:"balance"`
	InterestAprDecimal       decimal.Decimal `json:"interestAprDecimal"`
	PaymentPeriodDays        uint64          `json:"paymentPeriodDays"`
	TermDays                 uint64          `json:"termDays"`
	InterestAccruedAsOf      uint64          `json:"interestAccruedAsOf"`
	NextDueTime              uint64          `json:"nextDueTime"`
	TermEndTime              uint64          `json:"termEndTime"`
	LastFullPaymentTime      uint64          `json:"lastFullPaymentTime"`
	InterestOwed             decimal.Decimal `json:"interestOwed"`
	ProjectedInterestOwed    decimal.Decimal `json:"projectedInterestOwed"`
	CollectedPaymentBalance  decimal.Decimal `json:"collectedPaymentBalance"`
	IsLate                   bool            `json:"isLate"`
	PeriodDueAmount          decimal.Decimal `json:"periodDueAmount"`
	RemainingPeriodDueAmount decimal.Decimal `json:"remainingPeriodDueAmount"`
	TotalDueAmount           decimal.Decimal `json:"totalDueAmount"`
	RemainingTotalDueAmount  decimal.Decimal `json:"remainingTotalDueAmount"`
	CollectedForPrincipal    decimal.Decimal `json:"collectedForPrincipal"`
	AvailableCredit          decimal.Decimal `json:"availableCredit"`
}

// Default is the position of a borrower with no credit line yet. Every
// numeric field is zero.
func Default(address string) Position {
	z := decimal.Zero
	return Position{
		Address:                  address,
		Limit:                    z,
		Balance:                  z,
		InterestAprDecimal:       z,
		InterestOwed:             z,
		ProjectedInterestOwed:    z,
		CollectedPaymentBalance:  z,
		PeriodDueAmount:          z,
		RemainingPeriodDueAmount: z,
		TotalDueAmount:           z,
		RemainingTotalDueAmount:  z,
		CollectedForPrincipal:    z,
		AvailableCredit:          z,
	}
}

// Compute derives a Position from s as of now (unix seconds).
func Compute(s Snapshot, now uint64) Position {
	p := Default(s.Address)
	p.Limit = s.Limit
	p.Balance = s.Balance
	p.InterestAprDecimal = aprDecimal(s.InterestApr)
	p.PaymentPeriodDays = s.PaymentPeriodInDays
	p.TermDays = s.TermInDays
	p.InterestAccruedAsOf = s.InterestAccruedAsOf
	p.NextDueTime = s.NextDueTime
	p.TermEndTime = s.TermEndTime
	p.LastFullPaymentTime = s.LastFullPaymentTime
	p.InterestOwed = s.InterestOwed
	p.CollectedPaymentBalance = s.CollectedPaymentBalance

	p.IsLate = isLate(s, now)

	// Once late, the contract's own figure is authoritative.
	p.ProjectedInterestOwed = s.InterestOwed
	if !p.IsLate {
		p.ProjectedInterestOwed = s.InterestOwed.Add(accrual(s.Balance, p.InterestAprDecimal, s.InterestAccruedAsOf, s.NextDueTime))
	}

	p.PeriodDueAmount = p.ProjectedInterestOwed
	if s.NextDueTime >= s.TermEndTime {
		p.PeriodDueAmount = p.ProjectedInterestOwed.Add(s.Balance)
	}
	p.RemainingPeriodDueAmount = clamp(p.PeriodDueAmount.Sub(s.CollectedPaymentBalance))

	p.TotalDueAmount = p.ProjectedInterestOwed.Add(s.Balance)
	p.RemainingTotalDueAmount = clamp(p.TotalDueAmount.Sub(s.CollectedPaymentBalance))

	p.CollectedForPrincipal = clamp(s.CollectedPaymentBalance.Sub(p.PeriodDueAmount))
	p.AvailableCredit = decimal.Min(s.Limit, s.Limit.Sub(s.Balance).Add(p.CollectedForPrincipal))
	return p
}

func isLate(s Snapshot, now uint64) bool {
	if s.LastFullPaymentTime == 0 || now <= s.LastFullPaymentTime {
		return false
	}
	return now-s.LastFullPaymentTime > s.PaymentPeriodInDays*SecondsPerDay
}

// accrual is the simple interest on balance between from and to.
func accrual(balance, apr decimal.Decimal, from, to uint64) decimal.Decimal {
	if to <= from {
		return decimal.Zero
	}
	elapsed := decimal.NewFromInt(int64(to - from))
	return balance.Mul(apr).Mul(elapsed).Div(decimal.NewFromInt(SecondsPerYear))
}

func aprDecimal(apr *big.Int) decimal.Decimal {
	if apr == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(apr, 0).Div(InterestDecimals)
}

func clamp(d decimal.Decimal) decimal.Decimal {
	return decimal.Max(d, decimal.Zero)
}

// IsFinalPeriod reports whether principal falls due at NextDueTime.
func (p Position) IsFinalPeriod() bool {
	return p.TermEndTime != 0 && p.NextDueTime >= p.TermEndTime
}

// DaysLate is the number of whole days past the payment period since the
// last full payment, zero when the line is not late.
func (p Position) DaysLate(now uint64) uint64 {
	if !p.IsLate || now <= p.LastFullPaymentTime {
		return 0
	}
	days := (now - p.LastFullPaymentTime) / SecondsPerDay
	if days <= p.PaymentPeriodDays {
		return 0
	}
	return days - p.PaymentPeriodDays
}
