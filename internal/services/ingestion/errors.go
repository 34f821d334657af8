package ingestion

import "errors"

var (
	// ErrMalformedPayload: the payload could not be decoded as a reading.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrOutOfRange: the payload decoded but moisture is outside [0,100] or NaN.
	ErrOutOfRange = errors.New("moisture out of range")
)
