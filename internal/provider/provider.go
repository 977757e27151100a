// Package provider defines the delivery boundary: the dispatcher only needs a
// "send text to address" capability and a way to tell transport trouble from a
// provider-side rejection.
package provider

import (
	"context"
	"errors"
	"net"
)

type Sender interface {
	Send(ctx context.Context, tenantID, recipient, body string) (providerMsgID string, err error)
}

// CallError carries the HTTP detail of a failed provider call.
type CallError struct {
	Err        error
	HTTPStatus int
	Raw        []byte
}

func (e CallError) Error() string { return e.Err.Error() }
func (e CallError) Unwrap() error { return e.Err }

// Retryable reports whether a send failure looks transient. Retry accounting
// treats all failures uniformly; this only feeds logging and last_error text.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ce CallError
	if errors.As(err, &ce) {
		if ce.HTTPStatus == 429 || ce.HTTPStatus == 408 {
			return true
		}
		if ce.HTTPStatus >= 500 && ce.HTTPStatus <= 599 {
			return true
		}
		return false
	}
	// plain transport error (connection refused, DNS, ...)
	return true
}
