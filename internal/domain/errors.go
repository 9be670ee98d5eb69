package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrConcurrencyLimit  = errors.New("concurrency limit reached")
	ErrCircuitOpen       = errors.New("no available upstream endpoint")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRetryable = errors.New("retryable upstream failure")
	ErrUpstreamFatal     = errors.New("non-retryable upstream failure")
	ErrInternal          = errors.New("internal error")

	// ErrMigrationRequired means the database is reachable but its schema
	// is missing tables the server depends on.
	ErrMigrationRequired = errors.New("database migration required")
)
