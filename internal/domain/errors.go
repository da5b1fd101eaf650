package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrUnknownContract    = errors.New("unknown contract")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrUnknownMethod      = errors.New("unknown contract method")
	ErrBadCallResult      = errors.New("unexpected call result")
	ErrStaleRefresh       = errors.New("refresh superseded by a newer one")
	ErrLockHeld           = errors.New("lock held by another instance")
	ErrLockLost           = errors.New("lock no longer held")
	ErrRateLimited        = errors.New("rate limited")
)

// ComputeError attributes a failure to the entity and computation that
// produced it, so callers do not have to walk into the transport layer.
type ComputeError struct {
	Entity  string // "credit_line", "capital_provider", "senior_pool", "tranched_pool"
	Address string
	Op      string
	Err     error
}

func (e *ComputeError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s: %s: %v", e.Entity, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Entity, e.Address, e.Op, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// NewComputeError wraps err with entity context. It returns nil when err is nil.
func NewComputeError(entity, address, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ComputeError{Entity: entity, Address: address, Op: op, Err: err}
}
