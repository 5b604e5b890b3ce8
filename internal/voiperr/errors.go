// Package voiperr defines the sentinel error kinds shared across the
// signalling, media, and coordinator layers.
package voiperr

import "errors"

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", Err*) at
// each layer so callers can still recover the kind with errors.Is.
var (
	// ErrConnection indicates a transport failure: socket error, DNS
	// failure, or REST transport failure.
	ErrConnection = errors.New("connection error")

	// ErrNotFound indicates a REST 404 or a missing SIP target.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a REST 401 or rejected SIP credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRequest indicates a non-specific REST >=400 or an invalid SIP
	// account.
	ErrRequest = errors.New("request error")

	// ErrInvalidState indicates an operation requested in the wrong
	// call or endpoint state.
	ErrInvalidState = errors.New("invalid state")

	// ErrSipParse indicates a malformed SIP datagram.
	ErrSipParse = errors.New("sip parse error")

	// ErrSipAlreadyStarted indicates start was called on a running
	// endpoint.
	ErrSipAlreadyStarted = errors.New("sip already started")

	// ErrSipTimeout indicates a registration transaction exceeded its
	// deadline.
	ErrSipTimeout = errors.New("sip timeout")

	// ErrInvalidRange indicates an SDP media mapping is inconsistent.
	ErrInvalidRange = errors.New("invalid range")
)
