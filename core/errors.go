package core

import "errors"

var (
	// ErrMalformedEnvelope rejects a delivery before any state mutation.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrInvalidUserID is returned by read operations given a non-positive id.
	ErrInvalidUserID = errors.New("invalid user id")
)
