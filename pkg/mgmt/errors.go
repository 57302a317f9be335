// Copyright 2025 IdGate Authors
// SPDX-License-Identifier: Apache-2.0

package mgmt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Cause classifies a management-API failure so callers can surface a
// specific message for each.
type Cause string

const (
	CauseConnectionRefused Cause = "connection_refused"
	CauseDNSFailure        Cause = "dns_failure"
	CauseTimeout           Cause = "timeout"
	CauseUnauthorized      Cause = "unauthorized"
	CauseNotFound          Cause = "not_found"
	CauseGraphQL           Cause = "graphql"
	CauseUnknown           Cause = "unknown"
)

// APIError is a classified management-API failure. For GraphQL-reported
// errors the message is passed through from the backend's first reported
// error.
type APIError struct {
	Cause   Cause
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classify turns a transport error into an APIError with a user-facing
// message naming the probable cause.
func classify(url string, err error) *APIError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &APIError{
			Cause:   CauseDNSFailure,
			Message: fmt.Sprintf("unable to resolve management server address for %s: check the hostname", url),
			Err:     err,
		}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &APIError{
			Cause:   CauseConnectionRefused,
			Message: fmt.Sprintf("unable to connect to management server at %s: connection refused, is the server running?", url),
			Err:     err,
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{
			Cause:   CauseTimeout,
			Message: fmt.Sprintf("connection to management server at %s timed out", url),
			Err:     err,
		}
	}

	return &APIError{
		Cause:   CauseUnknown,
		Message: fmt.Sprintf("management request to %s failed: %v", url, err),
		Err:     err,
	}
}
