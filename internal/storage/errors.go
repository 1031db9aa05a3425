package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when appending a trade record whose ID already exists.
	// Trade records are append-only.
	ErrDuplicateKey = errors.New("duplicate key: trade records are append-only")
)
