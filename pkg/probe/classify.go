package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"proxy-quality-monitor/pkg/models"
)

// classifyError maps a transport error to a measurement status. Timeouts are
// checked first because a deadline surfaces wrapped inside url and net error
// chains. Connection-level refusals and resets count as socket errors; every
// other transport failure is a plain failure.
func classifyError(err error) (models.MeasurementStatus, string) {
	base := findBaseError(err)

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return models.StatusTimeout, base.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.StatusTimeout, base.Error()
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return models.StatusSocketError, base.Error()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return models.StatusSocketError, base.Error()
	}

	return models.StatusFailed, base.Error()
}

// classifyHTTPStatus maps a measured HTTP response code to a status. Codes in
// [200,399] are reachable; [400,499] means the proxy or target explicitly
// rejected the request; anything else is a failure.
func classifyHTTPStatus(code int) models.MeasurementStatus {
	switch {
	case code >= 200 && code <= 399:
		return models.StatusSuccess
	case code >= 400 && code <= 499:
		return models.StatusProxyRejected
	default:
		return models.StatusFailed
	}
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		// Try to unwrap as joined errors first
		if unwrapInterface, ok := err.(interface{ Unwrap() []error }); ok {
			errs := unwrapInterface.Unwrap()
			if len(errs) > 0 {
				// Take the last error in the joined slice as it's likely
				// to be the most specific one
				err = errs[len(errs)-1]
				continue
			}
		}

		// Try to unwrap as single error
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			// We've reached the base error
			return err
		}
		err = unwrapped
	}
	return err
}
