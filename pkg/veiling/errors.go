package veiling

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable covers transport failures and non-2xx responses.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrMalformedResponse means the payload did not match the expected schema.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrDelivery means a notification could not be delivered.
	ErrDelivery = errors.New("delivery failed")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")
)

// HTTPStatusError indicates the remote answered with a non-success status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Unwrap classifies every status failure as ErrRemoteUnavailable.
func (e *HTTPStatusError) Unwrap() error {
	return ErrRemoteUnavailable
}

// IsRemoteUnavailable checks if an error is a transport or status failure.
func IsRemoteUnavailable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// IsMalformed checks if an error is a schema violation.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}

// StatusCode extracts the HTTP status of a failed fetch, or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
