// Package ledger turns raw contract events into an ordered, deduplicated
// transaction history and reconstructs balances from it.
package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// Decimals gives the token precision used to scale atomic event values.
type Decimals struct {
	Amount int32 // payment token, e.g. 6 for USDC
	Shares int32 // pool share token, e.g. 18 for FIDU
}

// DefaultDecimals matches USDC amounts and FIDU shares.
var DefaultDecimals = Decimals{Amount: 6, Shares: 18}

// amountFields names the event argument holding the amount. Contract
// versions renamed some of them, so later names are consulted when the
// earlier ones are absent.
var amountFields = map[string][]string{
	"DepositMade":           {"amount"},
	"WithdrawalMade":        {"userAmount", "amount", "principalWithdrawn"},
	"DrawdownMade":          {"drawdownAmount", "amount"},
	"PaymentCollected":      {"paymentAmount", "amount"},
	"Approval":              {"value", "amount"},
	"InterestCollected":     {"poolAmount", "amount"},
	"PrincipalCollected":    {"amount"},
	"ReserveFundsCollected": {"amount"},
}

var eventTypes = map[string]domain.TxType{
	"DepositMade":           domain.TxSupply,
	"WithdrawalMade":        domain.TxWithdrawal,
	"DrawdownMade":          domain.TxDrawdown,
	"PaymentCollected":      domain.TxPayment,
	"Approval":              domain.TxApproval,
	"InterestCollected":     domain.TxInterestCollected,
	"PrincipalCollected":    domain.TxPrincipalCollected,
	"ReserveFundsCollected": domain.TxReserveFundsCollected,
}

const sharesField = "shares"

// TypeOf reports the semantic type for an event name.
func TypeOf(event string) (domain.TxType, bool) {
	t, ok := eventTypes[event]
	return t, ok
}

// Normalize maps a raw event to a Transaction. It returns false for nil
// events, unknown event names, and events carrying no amount.
func Normalize(raw *domain.RawEvent, dec Decimals) (domain.Transaction, bool) {
	if raw == nil {
		return domain.Transaction{}, false
	}
	typ, ok := eventTypes[raw.Event]
	if !ok {
		return domain.Transaction{}, false
	}
	amount, ok := lookupAmount(raw.Values, amountFields[raw.Event])
	if !ok {
		return domain.Transaction{}, false
	}

	tx := domain.Transaction{
		ID:           raw.ID,
		Type:         typ,
		Event:        raw.Event,
		Contract:     raw.Contract,
		Amount:       decimal.NewFromBigInt(amount, -dec.Amount),
		AmountAtomic: amount,
		Shares:       decimal.Zero,
		BlockNumber:  raw.BlockNumber,
		TxHash:       raw.TxHash.Hex(),
		LogIndex:     raw.LogIndex,
		Status:       domain.TxStatusSuccessful,
	}
	if shares, ok := toBig(raw.Values[sharesField]); ok {
		tx.SharesAtomic = shares
		tx.Shares = decimal.NewFromBigInt(shares, -dec.Shares)
	}
	return tx, true
}

func lookupAmount(values map[string]any, fields []string) (*big.Int, bool) {
	for _, f := range fields {
		if v, ok := toBig(values[f]); ok {
			return v, true
		}
	}
	return nil, false
}

func toBig(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Int).Set(n), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case int64:
		return big.NewInt(n), true
	case int:
		return big.NewInt(int64(n)), true
	default:
		return nil, false
	}
}
