package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrMissingSegment    = errors.New("missing segment id")
	ErrUnknownSegment    = errors.New("unknown segment")
	ErrMissingTimestamp  = errors.New("missing timestamp")
	ErrNegativeSpeed     = errors.New("negative speed")
	ErrNegativeCount     = errors.New("negative vehicle count")
	ErrBadFreeFlow       = errors.New("non-positive free-flow speed")
	ErrOutOfRange        = errors.New("value out of range")
	ErrMalformedKey      = errors.New("malformed correlation key")
	ErrUnknownSeverity   = errors.New("unknown severity")
	ErrUnknownUrgency    = errors.New("unknown urgency")
	ErrUnknownCause      = errors.New("unknown cause")
	ErrUnknownCategory   = errors.New("unknown action category")
	ErrUnknownImpactTier = errors.New("unknown impact tier")
	ErrDuplicateSample   = errors.New("duplicate sample within debounce window")
	ErrBadDistribution   = errors.New("probabilities do not form a distribution")
	ErrUnknownAlert      = errors.New("no upstream alert for correlation key")
	ErrUnknownRec        = errors.New("unknown recommendation")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Kind is the failure taxonomy shared by every stage.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindCollaboratorTimeout
	KindCollaboratorUnavailable
	KindStateInconsistency
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCollaboratorTimeout:
		return "collaborator_timeout"
	case KindCollaboratorUnavailable:
		return "collaborator_unavailable"
	case KindStateInconsistency:
		return "state_inconsistency"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Fatal reports whether the kind must stop the process.
func (k Kind) Fatal() bool { return k == KindConfiguration }

// Error is the typed failure surfaced to stage loops and synchronous callers.
type Error struct {
	Kind Kind
	Key  CorrelationKey
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err with a taxonomy kind.
func Fail(kind Kind, op string, key CorrelationKey, err error) *Error {
	return &Error{Kind: kind, Key: key, Op: op, Err: err}
}

// Invalid wraps err as a validation failure. A nil err stays nil.
func Invalid(op string, key CorrelationKey, err error) error {
	if err == nil {
		return nil
	}
	return Fail(KindValidation, op, key, err)
}

// KindOf extracts the taxonomy kind. A bare ValidationError counts as
// KindValidation; anything else untyped is KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// KeyOfError returns the correlation key attached to err, if any.
func KeyOfError(err error) (CorrelationKey, bool) {
	var e *Error
	if errors.As(err, &e) && !e.Key.IsZero() {
		return e.Key, true
	}
	return CorrelationKey{}, false
}
