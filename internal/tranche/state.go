package tranche

import "fmt"

// PoolState is the lifecycle phase of a tranched pool. Exactly one holds at
// any instant.
type PoolState int

const (
	Open PoolState = iota
	JuniorLocked
	SeniorLocked
	WithdrawalsUnlocked
)

var poolStateNames = [...]string{"open", "junior_locked", "senior_locked", "withdrawals_unlocked"}

func (s PoolState) String() string {
	if int(s) < len(poolStateNames) {
		return poolStateNames[s]
	}
	return "unknown"
}

func (s PoolState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PoolState) UnmarshalText(text []byte) error {
	for i, name := range poolStateNames {
		if name == string(text) {
			*s = PoolState(i)
			return nil
		}
	}
	return fmt.Errorf("tranche: unknown pool state %q", text)
}

// PoolStateAt derives the pool state from the two lock times. The checks
// overlap, so their order matters.
func PoolStateAt(now, juniorLockedUntil, seniorLockedUntil uint64) PoolState {
	switch {
	case now < seniorLockedUntil:
		return SeniorLocked
	case juniorLockedUntil == 0:
		return Open
	case now < juniorLockedUntil || seniorLockedUntil == 0:
		return JuniorLocked
	default:
		return WithdrawalsUnlocked
	}
}

// PoolState is the pool's state at now.
func (e Economics) PoolState(now uint64) PoolState {
	return PoolStateAt(now, e.JuniorTranche.LockedUntil, e.SeniorTranche.LockedUntil)
}
