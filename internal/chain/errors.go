package chain

import (
	"errors"
	"fmt"
)

// ErrNoWithdrawTarget is logged when an account has no CEX deposit address.
var ErrNoWithdrawTarget = errors.New("no withdraw address configured")

// AccountError tags a failure with the profile and the operation that failed.
type AccountError struct {
	Profile int
	Op      string
	Err     error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("profile %d: %s: %v", e.Profile, e.Op, e.Err)
}

func (e *AccountError) Unwrap() error { return e.Err }

// RevertedError is returned when a transaction was mined with status 0.
type RevertedError struct {
	TxHash string
	Label  string
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transaction %s (%s) reverted", e.TxHash, e.Label)
}

// IsReverted reports whether err wraps a RevertedError.
func IsReverted(err error) bool {
	var r *RevertedError
	return errors.As(err, &r)
}
