package creditline

import (
	"encoding/json"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind tags which shape a borrower's credit lines take.
type Kind int

const (
	Empty Kind = iota
	Single
	Multiple
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case Multiple:
		return "multiple"
	default:
		return "empty"
	}
}

// Set is a borrower's credit lines, restricted to lines with a positive
// limit. Aggregates are computed from the lines on demand and never stored.
type Set struct {
	lines []Position
}

// NewSet keeps the positions with limit > 0 in their given order.
func NewSet(positions ...Position) Set {
	var lines []Position
	for _, p := range positions {
		if p.Limit.IsPositive() {
			lines = append(lines, p)
		}
	}
	return Set{lines: lines}
}

func (s Set) Kind() Kind {
	switch len(s.lines) {
	case 0:
		return Empty
	case 1:
		return Single
	default:
		return Multiple
	}
}

// Lines returns a copy of the constituent positions.
func (s Set) Lines() []Position {
	out := make([]Position, len(s.lines))
	copy(out, s.lines)
	return out
}

// Single returns the only line when the set holds exactly one.
func (s Set) Single() (Position, bool) {
	if len(s.lines) != 1 {
		return Position{}, false
	}
	return s.lines[0], true
}

func (s Set) Limit() decimal.Decimal                    { return TotalLimit(s.lines) }
func (s Set) AvailableCredit() decimal.Decimal          { return TotalAvailableCredit(s.lines) }
func (s Set) RemainingPeriodDueAmount() decimal.Decimal { return TotalRemainingPeriodDue(s.lines) }
func (s Set) RemainingTotalDueAmount() decimal.Decimal  { return TotalRemainingTotalDue(s.lines) }
func (s Set) NextDueTime() uint64                       { return EarliestNextDueTime(s.lines) }
func (s Set) IsLate() bool                              { return AnyLate(s.lines) }

// SplitPayment allocates amount across the set's lines, earliest due first.
func (s Set) SplitPayment(amount decimal.Decimal) PaymentSplit {
	return SplitPayment(s.lines, amount)
}

// MarshalJSON exposes the aggregates alongside the lines.
func (s Set) MarshalJSON() ([]byte, error) {
	lines := s.lines
	if lines == nil {
		lines = []Position{}
	}
	return json.Marshal(struct {
		Kind                     string          `json:"kind"`
		Limit                    decimal.Decimal `json:"limit"`
		AvailableCredit          decimal.Decimal `json:"availableCredit"`
		RemainingPeriodDueAmount decimal.Decimal `json:"remainingPeriodDueAmount"`
		RemainingTotalDueAmount  decimal.Decimal `json:"remainingTotalDueAmount"`
		NextDueTime              uint64          `json:"nextDueTime"`
		IsLate                   bool            `json:"isLate"`
		Lines                    []Position      `json:"lines"`
	}{
		Kind:                     s.Kind().String(),
		Limit:                    s.Limit(),
		AvailableCredit:          s.AvailableCredit(),
		RemainingPeriodDueAmount: s.RemainingPeriodDueAmount(),
		RemainingTotalDueAmount:  s.RemainingTotalDueAmount(),
		NextDueTime:              s.NextDueTime(),
		IsLate:                   s.IsLate(),
		Lines:                    lines,
	})
}

// UnmarshalJSON restores a Set from its MarshalJSON form.
func (s *Set) UnmarshalJSON(data []byte) error {
	var wire struct {
		Lines []Position `json:"lines"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = NewSet(wire.Lines...)
	return nil
}

func sum(lines []Position, field func(Position) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(field(l))
	}
	return total
}

func TotalLimit(lines []Position) decimal.Decimal {
	return sum(lines, func(p Position) decimal.Decimal { return p.Limit })
}

func TotalAvailableCredit(lines []Position) decimal.Decimal {
	return sum(lines, func(p Position) decimal.Decimal { return p.AvailableCredit })
}

func TotalRemainingPeriodDue(lines []Position) decimal.Decimal {
	return sum(lines, func(p Position) decimal.Decimal { return p.RemainingPeriodDueAmount })
}

func TotalRemainingTotalDue(lines []Position) decimal.Decimal {
	return sum(lines, func(p Position) decimal.Decimal { return p.RemainingTotalDueAmount })
}

// EarliestNextDueTime is the minimum NextDueTime, zero for no lines.
func EarliestNextDueTime(lines []Position) uint64 {
	var earliest uint64
	for i, l := range lines {
		if i == 0 || l.NextDueTime < earliest {
			earliest = l.NextDueTime
		}
	}
	return earliest
}

// AnyLate reports whether any line is late.
func AnyLate(lines []Position) bool {
	for _, l := range lines {
		if l.IsLate {
			return true
		}
	}
	return false
}

// PaymentSplit is a batch payment: Amounts[i] goes to Addresses[i].
type PaymentSplit struct {
	Addresses []string          `json:"addresses"`
	Amounts   []decimal.Decimal `json:"amounts"`
}

// Total is the sum of the allocated amounts.
func (ps PaymentSplit) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range ps.Amounts {
		total = total.Add(a)
	}
	return total
}

// AtomicAmounts scales the amounts to integer token units, truncating any
// precision below the token's decimals.
func (ps PaymentSplit) AtomicAmounts(decimals int32) []*big.Int {
	out := make([]*big.Int, len(ps.Amounts))
	for i, a := range ps.Amounts {
		out[i] = a.Shift(decimals).Truncate(0).BigInt()
	}
	return out
}

// SplitPayment allocates amount to lines in order of NextDueTime (stable on
// ties), covering each line's remaining period due before moving to the
// next. Lines with nothing due are skipped and the last funded line may be
// covered only partially.
func SplitPayment(lines []Position, amount decimal.Decimal) PaymentSplit {
	split := PaymentSplit{Addresses: []string{}, Amounts: []decimal.Decimal{}}

	ordered := make([]Position, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].NextDueTime < ordered[j].NextDueTime
	})

	remaining := amount
	for _, l := range ordered {
		if !remaining.IsPositive() {
			break
		}
		due := l.RemainingPeriodDueAmount
		if !due.IsPositive() {
			continue
		}
		alloc := decimal.Min(due, remaining)
		split.Addresses = append(split.Addresses, l.Address)
		split.Amounts = append(split.Amounts, alloc)
		remaining = remaining.Sub(alloc)
	}
	return split
}
