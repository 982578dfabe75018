package risk

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

var (
	// ErrInvalidTrigger aliases the trigger package sentinel so callers can
	// match all ingestion errors against this package.
	ErrInvalidTrigger = trigger.ErrInvalidTrigger

	ErrScoringOracleUnavailable = errors.New("scoring oracle unavailable")
	ErrScoringUnavailable       = errors.New("scoring unavailable")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrConcurrentModification   = errors.New("concurrent modification")
	ErrValidationNotPending     = errors.New("validation not pending")
	ErrAlreadyAssigned          = errors.New("validation already assigned")
	ErrNotAssignee              = errors.New("reviewer is not the assignee")
	ErrInvalidDecision          = errors.New("invalid decision")
	ErrInvalidAdjustment        = errors.New("invalid adjustment")
	ErrValidationConflict       = errors.New("open validation already exists for risk")
	ErrNotFound                 = errors.New("not found")
	ErrStorage                  = errors.New("storage failure")
	ErrInvalidRequest           = errors.New("invalid request")
)

// domainErrors pass through storage wrapping untouched.
var domainErrors = []error{
	ErrInvalidTrigger,
	ErrInvalidStateTransition,
	ErrConcurrentModification,
	ErrValidationConflict,
	ErrNotFound,
	ErrStorage,
}

// storageErr wraps a persistence failure with ErrStorage unless it already
// carries a domain sentinel.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
