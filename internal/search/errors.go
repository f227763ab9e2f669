package search

import "errors"

var (
	// ErrIndexDisabled is returned when a query hits an index whose
	// priority forbids serving queries (currently: server.PriorityError).
	ErrIndexDisabled = errors.New("index is disabled for querying")

	// ErrUnknownField is returned when a query references a field that is
	// neither in the schema nor the catch-all "_" field.
	ErrUnknownField = errors.New("unknown field")

	// ErrConcurrencyConflict models the external transactional store's
	// optimistic-concurrency retry signal for stats updates.
	ErrConcurrencyConflict = errors.New("concurrency conflict, retry")

	// ErrIntersectMalformed is returned when an INTERSECT query carries
	// fewer than two sub-queries.
	ErrIntersectMalformed = errors.New("intersect query requires at least two sub-queries")
)
