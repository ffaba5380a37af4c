package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	porter "github.com/akarpov/porter/internal"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// Trips reports whether an error counts as a breaker failure. Only provider
// faults count: timeouts, network errors, and 5xx responses. Client-class
// errors (4xx, validation) say nothing about provider health.
func Trips(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return he.HTTPStatus() >= 500
	}
	// Transport-level failures surface as ErrUnavailable.
	if errors.Is(err, porter.ErrUnavailable) {
		return true
	}

	var netErr *net.OpError
	return errors.As(err, &netErr)
}
