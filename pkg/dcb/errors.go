package dcb

import (
	"errors"
	"fmt"
)

type (

	// EventStoreError represents a base error type for event store operations
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an error in event, batch or query validation
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError is the optimistic-lock violation: an event matching
	// the append condition's query was committed after the expected
	// reference (or at all, when After is nil).
	ConcurrencyError struct {
		EventStoreError
		Query Query           // The query that found a newer match
		After *EventReference // The expected-last reference, nil for "expected empty"
	}

	// InadmissibleTypeError reports an event type outside the admitted set
	// of a typed stream.
	InadmissibleTypeError struct {
		EventStoreError
		Type     string   // The rejected type name
		Admitted []string // The admitted type names
	}

	// NonSpecificStreamError reports an append attempted on a wildcard stream.
	NonSpecificStreamError struct {
		EventStoreError
		Stream StreamID
	}

	// DuplicateTypeNameError reports two roots contributing the same type name.
	DuplicateTypeNameError struct {
		EventStoreError
		Name string
	}

	// SealingRequiredError reports a root type with no enumerable variants.
	SealingRequiredError struct {
		EventStoreError
		Root string
	}

	// SerializationError reports a payload failing the codec round-trip
	// gate on write.
	SerializationError struct {
		EventStoreError
		Type string // The event type whose payload failed
	}

	// LimitExceededError reports a query exceeding the storage-wide
	// absolute result limit.
	LimitExceededError struct {
		EventStoreError
		Requested int // The soft limit asked for, 0 when unset
		Max       int // The storage-wide absolute limit
	}

	// ResourceError represents an error related to resource management
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}

	// StoreClosedError reports an operation after Stop.
	StoreClosedError struct {
		EventStoreError
	}

	// ProjectorError wraps an error raised by a projection handler or
	// batch hook, with the reference of the offending event when known.
	ProjectorError struct {
		EventStoreError
		Ref *EventReference // The offending event, nil when the batch hook failed
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Error Detection Helpers
// =============================================================================

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsInadmissibleTypeError checks if the error is an InadmissibleTypeError
func IsInadmissibleTypeError(err error) bool {
	var inadmissibleErr *InadmissibleTypeError
	return errors.As(err, &inadmissibleErr)
}

// IsNonSpecificStreamError checks if the error is a NonSpecificStreamError
func IsNonSpecificStreamError(err error) bool {
	var nonSpecificErr *NonSpecificStreamError
	return errors.As(err, &nonSpecificErr)
}

// IsDuplicateTypeNameError checks if the error is a DuplicateTypeNameError
func IsDuplicateTypeNameError(err error) bool {
	var duplicateErr *DuplicateTypeNameError
	return errors.As(err, &duplicateErr)
}

// IsSealingRequiredError checks if the error is a SealingRequiredError
func IsSealingRequiredError(err error) bool {
	var sealingErr *SealingRequiredError
	return errors.As(err, &sealingErr)
}

// IsSerializationError checks if the error is a SerializationError
func IsSerializationError(err error) bool {
	var serializationErr *SerializationError
	return errors.As(err, &serializationErr)
}

// IsLimitExceededError checks if the error is a LimitExceededError
func IsLimitExceededError(err error) bool {
	var limitErr *LimitExceededError
	return errors.As(err, &limitErr)
}

// IsResourceError checks if the error is a ResourceError
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// IsStoreClosedError checks if the error is a StoreClosedError
func IsStoreClosedError(err error) bool {
	var closedErr *StoreClosedError
	return errors.As(err, &closedErr)
}

// IsProjectorError checks if the error is a ProjectorError
func IsProjectorError(err error) bool {
	var projectorErr *ProjectorError
	return errors.As(err, &projectorErr)
}

// =============================================================================
// Error Extraction Helpers
// =============================================================================

// AsValidationError extracts a ValidationError from the error chain
func AsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// AsConcurrencyError extracts a ConcurrencyError from the error chain
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// AsLimitExceededError extracts a LimitExceededError from the error chain
func AsLimitExceededError(err error) (*LimitExceededError, bool) {
	var limitErr *LimitExceededError
	if errors.As(err, &limitErr) {
		return limitErr, true
	}
	return nil, false
}

// AsProjectorError extracts a ProjectorError from the error chain
func AsProjectorError(err error) (*ProjectorError, bool) {
	var projectorErr *ProjectorError
	if errors.As(err, &projectorErr) {
		return projectorErr, true
	}
	return nil, false
}
