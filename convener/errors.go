package convener

import "errors"

// Fatal errors stop the orchestrator and are reported by Wait and Err.
var (
	ErrJoinRejected     = errors.New("convener: network join could not be requested")
	ErrConfirmExhausted = errors.New("convener: network confirmation retries exhausted")
	ErrScanRejected     = errors.New("convener: scan request rejected")
	ErrDiscoveryFailed  = errors.New("convener: discovery substrate failed")
	ErrAttachmentLost   = errors.New("convener: network attachment channel lost")
)

var (
	// ErrBusy is returned by Revert while an attempt is in flight.
	ErrBusy = errors.New("convener: attempt in flight")
	// ErrAttemptPanicked wraps a recovered panic inside an attempt.
	ErrAttemptPanicked = errors.New("convener: attempt panicked")

	errNotConfirmed = errors.New("convener: associated network does not match advertisement")
)

// IsFatal reports whether err is one of the errors that stop an orchestrator.
func IsFatal(err error) bool {
	return errors.Is(err, ErrJoinRejected) ||
		errors.Is(err, ErrConfirmExhausted) ||
		errors.Is(err, ErrScanRejected) ||
		errors.Is(err, ErrDiscoveryFailed) ||
		errors.Is(err, ErrAttachmentLost)
}
