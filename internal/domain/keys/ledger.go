package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Op is a remaining-uses ledger operation.
type Op string

const (
	OpIncrement Op = "increment"
	OpDecrement Op = "decrement"
	OpSet       Op = "set"
)

// UnknownOpError is returned by ParseOp for unrecognized operation names.
type UnknownOpError struct {
	Op string
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("unknown operation %q", e.Op)
}

// Unwrap lets callers match the error against ErrBadRequest.
func (e *UnknownOpError) Unwrap() error {
	return ErrBadRequest
}

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpIncrement, OpDecrement, OpSet:
		return op, nil
	default:
		return "", &UnknownOpError{Op: s}
	}
}

// Ledger exposes the management operations on a key's remaining counter.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger creates a Ledger backed by repo.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// Update applies op with value to the key and returns the new remaining
// value. Decrementing below zero yields ErrInvalidOperation.
func (l *Ledger) Update(ctx context.Context, keyID string, op Op, value int64) (int64, error) {
	if value < 0 {
		return 0, errors.Wrap(ErrBadRequest, "value must not be negative")
	}

	var (
		remaining int64
		err       error
	)
	switch op {
	case OpIncrement:
		err = retryConflict(ctx, func() error {
			remaining, err = l.repo.IncrementRemaining(ctx, keyID, value)
			return err
		})
	case OpDecrement:
		err = retryConflict(ctx, func() error {
			remaining, err = l.repo.DecrementRemaining(ctx, keyID, value, l.now())
			return err
		})
		if errors.Is(err, ErrInsufficientRemaining) {
			return 0, errors.Wrapf(ErrInvalidOperation, "cannot decrement %s by %d", keyID, value)
		}
	case OpSet:
		err = retryConflict(ctx, func() error {
			remaining, err = l.repo.SetRemaining(ctx, keyID, value)
			return err
		})
	default:
		return 0, &UnknownOpError{Op: string(op)}
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// retryConflict runs fn and retries it exactly once when the store reports
// ErrConflict.
func retryConflict(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrConflict) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn()
}
