package models

import "errors"

// Error categories shared by every layer. Callers wrap them with context and
// the HTTP boundary maps them to status codes with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrMalformedDelta      = errors.New("malformed tag delta")
)
