package cache

import "errors"

// Common cache errors
var (
	// ErrItemNotFound indicates that no item exists for the key (or its TTL elapsed)
	ErrItemNotFound = errors.New("item not found")

	// ErrItemTooLarge indicates that a single item exceeds the configured size limit
	ErrItemTooLarge = errors.New("item exceeds size limit")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")

	// ErrSnapshotSchema indicates a snapshot schema version mismatch on import
	ErrSnapshotSchema = errors.New("snapshot schema version mismatch")
)
