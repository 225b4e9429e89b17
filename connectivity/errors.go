package connectivity

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCircuitOpen is returned when the breaker for an endpoint is open and
// the call was rejected without reaching the remote side.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Endpoint)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connectivity: status %d: %s", e.Code, e.Body)
}

// ClientError reports whether the remote side rejected the request itself
// (4xx other than 408 and 429). Repeating such a request cannot succeed.
func (e *StatusError) ClientError() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.ClientError() {
		return false
	}
	var pe *ErrPanic
	return !errors.As(err, &pe)
}
