package faceindex

import "errors"

var (
	// ErrCorruptState means durable state exists for a site but cannot be used.
	// It is never resolved by resetting the site to empty.
	ErrCorruptState = errors.New("corrupt snapshot state")

	// ErrIO means the storage medium failed; the operation was not committed.
	ErrIO = errors.New("snapshot storage failure")

	// ErrDimMismatch means a vector does not have the index dimension.
	ErrDimMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidSite means the site identifier cannot be used as a storage key.
	ErrInvalidSite = errors.New("invalid site identifier")
)
