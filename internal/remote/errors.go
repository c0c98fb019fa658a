package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
)

// DeliveryError is a failed attempt to hand a mail to a remote host.
type DeliveryError struct {
	Host      string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "temporary"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Host == "" {
		return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s delivery failure at %s: %v", kind, e.Host, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a permanent failure.
func Permanent(host string, err error) *DeliveryError {
	return &DeliveryError{Host: host, Permanent: true, Err: err}
}

// Transient wraps err as a failure worth retrying.
func Transient(host string, err error) *DeliveryError {
	return &DeliveryError{Host: host, Err: err}
}

// IsPermanent reports whether err is, or wraps, a permanent DeliveryError.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// classify turns any error from a delivery attempt into a DeliveryError.
// SMTP 5xx replies are permanent; 4xx replies, network errors and an open
// breaker are transient.
func classify(host string, err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		if de.Host == "" {
			de.Host = host
		}
		return de
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Host: host, Permanent: se.Code >= 500 && se.Code < 600, Err: err}
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Transient(host, fmt.Errorf("host unavailable: %w", err))
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(host, fmt.Errorf("timed out: %w", err))
	}
	return Transient(host, err)
}
