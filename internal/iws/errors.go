package iws

import (
	"errors"
	"fmt"
)

// TransportError reports a failure to exchange a request with the upstream
// gateway: dial failure, timeout, DNS failure. It never implies anything
// about whether the operation itself ran.
type TransportError struct {
	Action string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("iws: transport error during %s: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolFault reports a non-success HTTP status or a decoded SOAP fault.
// Body carries the raw response for diagnostics; callers must not log the
// request envelope alongside it, which would expose the signature.
type ProtocolFault struct {
	Action     string
	StatusCode int
	FaultCode  string
	FaultIntro string
	Body       string
}

func (e *ProtocolFault) Error() string {
	if e.FaultIntro != "" {
		return fmt.Sprintf("iws: %s fault [%s] %s (http %d)", e.Action, e.FaultCode, e.FaultIntro, e.StatusCode)
	}
	return fmt.Sprintf("iws: %s failed with http %d", e.Action, e.StatusCode)
}

// BusinessStateError rejects an operation that the current known account
// state disallows, before any network call is made.
type BusinessStateError struct {
	Operation     string
	IMEI          string
	CurrentStatus string
	Reason        string
}

func (e *BusinessStateError) Error() string {
	return fmt.Sprintf("iws: %s rejected for %s: %s (current status %s)", e.Operation, e.IMEI, e.Reason, e.CurrentStatus)
}

// NotFoundError reports that a device has no corresponding remote account.
type NotFoundError struct {
	IMEI string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("iws: no subscriber account found for imei %s", e.IMEI)
}

// IsRemoteFailure reports whether err is a transport error or protocol
// fault, the two classes the verification policy may resolve.
func IsRemoteFailure(err error) bool {
	var te *TransportError
	var pf *ProtocolFault
	return errors.As(err, &te) || errors.As(err, &pf)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
