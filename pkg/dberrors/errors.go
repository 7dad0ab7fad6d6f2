package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("strata: not found")
	ErrClosed          = errors.New("strata: closed")
	ErrInvalidArgument = errors.New("strata: invalid argument")

	// ErrDurability marks a synchronous persistence failure: the write was
	// rejected and nothing was acknowledged.
	ErrDurability = errors.New("strata: durability failure")

	// ErrCorruption marks data that fails checksum or structural validation.
	// It is fatal outside the final WAL segment tail.
	ErrCorruption = errors.New("strata: corruption detected")

	// ErrResourceExhausted is returned to writers while backpressure is
	// engaged. Callers may retry.
	ErrResourceExhausted = errors.New("strata: resource exhausted")

	// ErrCompaction marks a failed compaction attempt. Inputs stay
	// authoritative and the task is retried in the background.
	ErrCompaction = errors.New("strata: compaction failure")

	ErrTableExists   = errors.New("strata: table already exists")
	ErrTableNotFound = errors.New("strata: table not found")
	ErrTableDropped  = errors.New("strata: table dropped")
)
