package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// CutoffUnit selects which transaction field a Cutoff compares against.
type CutoffUnit int

const (
	ByBlock CutoffUnit = iota
	ByTime
)

// Cutoff bounds a balance reconstruction. It is exclusive unless Inclusive
// is set.
type Cutoff struct {
	Unit      CutoffUnit
	Value     uint64
	Inclusive bool
}

// BeforeBlock is an exclusive cutoff at a block number.
func BeforeBlock(n uint64) Cutoff { return Cutoff{Unit: ByBlock, Value: n} }

// BeforeTime is an exclusive cutoff at a unix timestamp.
func BeforeTime(t uint64) Cutoff { return Cutoff{Unit: ByTime, Value: t} }

// Admits reports whether tx falls before the cutoff.
func (c Cutoff) Admits(tx domain.Transaction) bool {
	v := tx.BlockNumber
	if c.Unit == ByTime {
		v = tx.BlockTime
	}
	if c.Inclusive {
		return v <= c.Value
	}
	return v < c.Value
}

// BalanceAsOf sums the signed amounts of every transaction before cutoff.
// Transactions of the subtractive type count negatively.
func BalanceAsOf(txs []domain.Transaction, cutoff Cutoff, subtractive domain.TxType) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if !cutoff.Admits(tx) {
			continue
		}
		total = total.Add(signed(tx, subtractive))
	}
	return total
}

// BalanceBetween sums the signed amounts of transactions at or after from
// and before to. For from <= to it equals BalanceAsOf(to) - BalanceAsOf(from).
func BalanceBetween(txs []domain.Transaction, from, to Cutoff, subtractive domain.TxType) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if from.Admits(tx) || !to.Admits(tx) {
			continue
		}
		total = total.Add(signed(tx, subtractive))
	}
	return total
}

func signed(tx domain.Transaction, subtractive domain.TxType) decimal.Decimal {
	if tx.Type == subtractive {
		return tx.Amount.Neg()
	}
	return tx.Amount
}
