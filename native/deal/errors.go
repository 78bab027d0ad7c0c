package deal

import "errors"

// Error taxonomy for the deal engine. Every failure leaves the instance exactly
// as it was before the call; callers match with errors.Is.
var (
	// ErrNotFound reports that no deal exists at the supplied address.
	ErrNotFound = errors.New("deal: not found")
	// ErrUnauthorized reports that the caller is not the bound party for the
	// invoked entry point.
	ErrUnauthorized = errors.New("deal: unauthorized caller")
	// ErrInvalidState reports a lifecycle precondition violation, including
	// any call against a terminated instance.
	ErrInvalidState = errors.New("deal: operation not allowed in current state")
	// ErrInvalidAmount reports a zero or negative amount.
	ErrInvalidAmount = errors.New("deal: amount must be positive")
	// ErrTransferFailed wraps a ledger transfer failure. The surrounding
	// operation is aborted with no state mutation.
	ErrTransferFailed = errors.New("deal: transfer failed")
	// ErrReentrancy reports a nested call into a state-mutating entry point
	// while another one is still executing for the same deal.
	ErrReentrancy = errors.New("deal: reentrant call rejected")
	// ErrExpired reports that a deadline had passed when the call arrived.
	// The call has triggered the refund path; no deposit or signature was
	// recorded.
	ErrExpired = errors.New("deal: time window expired")
)
