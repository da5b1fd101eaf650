package ledger

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// Merge normalizes one or more raw event arrays into a single transaction
// history: nil entries and unknown events are dropped, duplicates (by event
// id) are collapsed, block times are resolved concurrently, and the result is
// ordered newest first. Use Chronological for accrual math.
func Merge(ctx context.Context, blocks domain.BlockSource, dec Decimals, arrays ...[]*domain.RawEvent) ([]domain.Transaction, error) {
	seen := make(map[string]struct{})
	var txs []domain.Transaction
	for _, arr := range arrays {
		for _, raw := range arr {
			tx, ok := Normalize(raw, dec)
			if !ok {
				continue
			}
			if _, dup := seen[tx.ID]; dup {
				continue
			}
			seen[tx.ID] = struct{}{}
			txs = append(txs, tx)
		}
	}
	if len(txs) == 0 {
		return []domain.Transaction{}, nil
	}

	times, err := blockTimes(ctx, blocks, txs)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].BlockTime = times[txs[i].BlockNumber]
	}

	sortDescending(txs)
	return txs, nil
}

// blockTimes looks up every distinct block concurrently.
func blockTimes(ctx context.Context, blocks domain.BlockSource, txs []domain.Transaction) (map[uint64]uint64, error) {
	var numbers []uint64
	index := make(map[uint64]int)
	for _, tx := range txs {
		if _, ok := index[tx.BlockNumber]; ok {
			continue
		}
		index[tx.BlockNumber] = len(numbers)
		numbers = append(numbers, tx.BlockNumber)
	}

	stamps := make([]uint64, len(numbers))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range numbers {
		g.Go(func() error {
			b, err := blocks.Block(gctx, n)
			if err != nil {
				return fmt.Errorf("ledger: block %d: %w", n, err)
			}
			stamps[i] = b.Timestamp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uint64]uint64, len(numbers))
	for n, i := range index {
		out[n] = stamps[i]
	}
	return out, nil
}

func sortDescending(txs []domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].BlockNumber != txs[j].BlockNumber {
			return txs[i].BlockNumber > txs[j].BlockNumber
		}
		return txs[i].LogIndex > txs[j].LogIndex
	})
}

// Chronological returns a copy of txs ordered oldest first.
func Chronological(txs []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

// Filter returns the transactions whose type is one of types.
func Filter(txs []domain.Transaction, types ...domain.TxType) []domain.Transaction {
	var out []domain.Transaction
	for _, tx := range txs {
		for _, t := range types {
			if tx.Type == t {
				out = append(out, tx)
				break
			}
		}
	}
	return out
}
