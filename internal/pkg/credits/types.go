package credits

import "errors"

// Balance is the derived credit state for one user.
type Balance struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// DeductResult reports the outcome of an idempotent debit. AlreadyApplied is
// true when the idempotency key was seen before; Remaining then reflects the
// balance recorded by the original application, not a re-charge.
type DeductResult struct {
	Remaining      int64
	AlreadyApplied bool
}

// RefundResult reports the outcome of an idempotent refund.
type RefundResult struct {
	Remaining       int64
	AlreadyRefunded bool
}

// GrantResult reports the outcome of an idempotent credit grant or plan reset.
type GrantResult struct {
	Remaining      int64
	AlreadyApplied bool
}

var (
	// ErrInsufficientCredits is returned when the remaining balance cannot
	// cover the requested debit. The balance is left untouched.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoSuchDebit is returned when a refund references an idempotency key
	// that never produced a debit.
	ErrNoSuchDebit = errors.New("no debit recorded for idempotency key")

	// ErrLedger wraps indeterminate storage failures. Callers must halt the
	// pipeline: the debit may or may not have been applied.
	ErrLedger = errors.New("ledger error")
)
