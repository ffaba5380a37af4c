package porter

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay domain.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrModelNotFound  = errors.New("model not found")
	ErrNoAvailableKey = errors.New("no available api key")
	ErrUnauthorized   = errors.New("provider authentication failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("service unavailable")
	ErrAdapter        = errors.New("adapter error")
	ErrProviderError  = errors.New("provider error")
	ErrConfiguration  = errors.New("configuration error")
)

// RetryAfterError carries the upstream Retry-After hint alongside a rate
// limit. errors.Is(err, ErrRateLimited) holds for values of this type.
type RetryAfterError struct {
	Seconds int
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.Seconds)
}

func (e *RetryAfterError) Is(target error) bool { return target == ErrRateLimited }
