package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is not present in the registry.
	ErrJobNotFound = errors.New("job not found")
	// ErrEntryNotFound is returned when a history entry id is unknown for the owner.
	ErrEntryNotFound = errors.New("history entry not found")
	// ErrUnauthenticated is returned when no owner identity is available.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrJobInactive is returned when a transition is attempted on a terminal job.
	ErrJobInactive = errors.New("job is no longer active")
	// ErrTimeout marks a job that exceeded its wall-clock ceiling or attempt budget.
	ErrTimeout = errors.New("job timed out")
	// ErrCancelled marks a job stopped by its owner.
	ErrCancelled = errors.New("job cancelled")
)

// ValidationError reports a request rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// InsufficientResourceError reports that the owner cannot afford the job.
type InsufficientResourceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient credit: required %d, available %d", e.Required, e.Available)
}

// TransientNetworkError wraps a transport failure that may succeed on retry.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// ProviderFailure is an explicit failure reported by a provider.
// Result carries any payload the provider attached to the failing response.
type ProviderFailure struct {
	StatusCode int
	Message    string
	Result     []byte
}

func (e *ProviderFailure) Error() string {
	if e.StatusCode == 0 {
		return "provider failure: " + e.Message
	}
	return fmt.Sprintf("provider failure (status %d): %s", e.StatusCode, e.Message)
}

// ErrorInfoFrom converts an error into the single message attached to a job.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: "internal", Message: err.Error()}

	var (
		validation   *ValidationError
		insufficient *InsufficientResourceError
		transient    *TransientNetworkError
		provider     *ProviderFailure
	)
	switch {
	case errors.As(err, &provider):
		info.Kind = "provider"
		info.StatusCode = provider.StatusCode
		if provider.Message != "" {
			info.Message = provider.Message
		}
	case errors.As(err, &transient):
		info.Kind = "network"
	case errors.As(err, &validation):
		info.Kind = "validation"
	case errors.As(err, &insufficient):
		info.Kind = "insufficient_credit"
	case errors.Is(err, ErrTimeout):
		info.Kind = "timeout"
	case errors.Is(err, ErrCancelled):
		info.Kind = "cancelled"
	}
	return info
}
