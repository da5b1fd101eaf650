package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the semantic category of a ledger entry.
type TxType string

const (
	TxSupply                TxType = "Supply"
	TxWithdrawal            TxType = "Withdrawal"
	TxDrawdown              TxType = "Drawdown"
	TxPayment               TxType = "Payment"
	TxApproval              TxType = "Approval"
	TxInterestCollected     TxType = "InterestCollected"
	TxPrincipalCollected    TxType = "PrincipalCollected"
	TxReserveFundsCollected TxType = "ReserveFundsCollected"
)

// TxStatus tracks the settlement state of a transaction.
type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusSuccessful TxStatus = "successful"
	TxStatusError      TxStatus = "error"
)

// Transaction is a normalized ledger entry. It is unique by ID (the event id).
type Transaction struct {
	ID           string          `json:"id"`
	Type         TxType          `json:"type"`
	Event        string          `json:"event"`
	Contract     string          `json:"contract"`
	Amount       decimal.Decimal `json:"amount"`
	AmountAtomic *big.Int        `json:"amountAtomic"`
	Shares       decimal.Decimal `json:"shares"`
	SharesAtomic *big.Int        `json:"sharesAtomic,omitempty"`
	BlockNumber  uint64          `json:"blockNumber"`
	BlockTime    uint64          `json:"blockTime"`
	TxHash       string          `json:"txHash"`
	LogIndex     uint            `json:"logIndex"`
	Status       TxStatus        `json:"status"`
}

// Time returns the block time as a time.Time.
func (t Transaction) Time() time.Time {
	return time.Unix(int64(t.BlockTime), 0).UTC()
}
