package domain

import "errors"

// Sentinel errors for failures that originate inside the gateway rather than
// upstream. The delivery layer maps them to HTTP status codes; nothing below
// it inspects status codes.
var (
	// ErrInvalidRequest marks caller mistakes: unknown identifier schemes,
	// out-of-range paging parameters, oversized batches.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is returned when no tier, including upstream, knows the
	// requested paper.
	ErrNotFound = errors.New("not found")

	// ErrInternal wraps unexpected failures that should surface as 500.
	ErrInternal = errors.New("internal error")
)
