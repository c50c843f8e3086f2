package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrRPCUnavailable is returned when the ledger RPC endpoint cannot be reached.
	ErrRPCUnavailable = errors.New("ledger rpc unavailable")

	// ErrDecode is returned when a ledger read returns data that cannot be decoded.
	ErrDecode = errors.New("ledger response could not be decoded")

	// ErrSubmissionFailed is returned when a write was rejected before the network accepted it.
	ErrSubmissionFailed = errors.New("transaction submission failed")

	// ErrSubmissionUncertain is returned when a signed transaction was handed
	// to the network but its acceptance could not be established. The write
	// may land.
	ErrSubmissionUncertain = errors.New("transaction submission outcome unknown")

	// ErrConfirmationTimeout is returned when a submitted transaction did not finalize in time.
	// The write may or may not have landed.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

	// ErrReceiptNotFound is returned when no receipt exists (yet) for a transaction.
	ErrReceiptNotFound = errors.New("transaction receipt not found")

	// ErrNoTransactOpts is returned when a write is attempted without a signing authority.
	ErrNoTransactOpts = errors.New("no authorized transactor available")

	// ErrVerifierUnreachable is returned when the proof verifier cannot produce a verdict.
	ErrVerifierUnreachable = errors.New("proof verifier unreachable")
)

// RevertError is returned when the ledger executed a transaction and rejected it.
type RevertError struct {
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash)
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
}

// UncertainSubmissionError carries the handle of a signed transaction whose
// broadcast failed in a way that does not rule out inclusion, such as a
// transport error or deadline after the request was sent.
type UncertainSubmissionError struct {
	Handle *TxHandle
	Err    error
}

func (e *UncertainSubmissionError) Error() string {
	return fmt.Sprintf("transaction %s sent with unknown outcome: %v", e.Handle.Hash.Hex(), e.Err)
}

func (e *UncertainSubmissionError) Unwrap() []error {
	return []error{ErrSubmissionUncertain, e.Err}
}

// RejectionError is a business-rule rejection raised before any write.
type RejectionError struct {
	Reason RejectionReason
	Msg    string
}

func (e *RejectionError) Error() string {
	if e.Msg == "" {
		return string(e.Reason)
	}
	return e.Msg
}

func NewRejection(reason RejectionReason, msg string) *RejectionError {
	return &RejectionError{Reason: reason, Msg: msg}
}

// ConfigError reports a missing or invalid operating parameter.
type ConfigError struct {
	Param string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s not configured", e.Param)
	}
	return fmt.Sprintf("%s misconfigured: %v", e.Param, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
