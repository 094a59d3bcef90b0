package contracts

import "errors"

// Validation errors: caller-side mistakes, never retried.
var (
	ErrInvalidObservation = errors.New("invalid observation")
	ErrInvalidFarmRecord  = errors.New("invalid farm record")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidAddress     = errors.New("invalid address")
)

// Transient infrastructure errors: retryable by the caller or operator.
var (
	ErrAnalysisUnavailable = errors.New("analysis engine unavailable")
	ErrStoreUnavailable    = errors.New("content store unavailable")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
)

// Permanent infrastructure errors: not retryable with the same inputs.
var (
	ErrStoreRejected       = errors.New("content store rejected payload")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Lookup and state errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateReport   = errors.New("report already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotEligible       = errors.New("report not eligible for minting")
)

// ErrorKind classifies an error for retry and API mapping decisions.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
)

// KindOf returns the kind of err, walking wrapped errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidObservation),
		errors.Is(err, ErrInvalidFarmRecord),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAddress):
		return KindValidation
	case errors.Is(err, ErrAnalysisUnavailable),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrLedgerUnavailable):
		return KindTransient
	case errors.Is(err, ErrStoreRejected),
		errors.Is(err, ErrInsufficientBalance):
		return KindPermanent
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateReport),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotEligible):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsTransient reports whether err may succeed if retried unchanged.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
