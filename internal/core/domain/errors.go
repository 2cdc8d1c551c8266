package domain

import (
	"errors"
	"regexp"
)

var (
	ErrInvalidCollection     = errors.New("invalid collection")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrInvalidCacheKey       = errors.New("invalid cache key")
	ErrNotFound              = errors.New("not found")
	ErrPayloadCorrupt        = errors.New("payload corrupt")
	ErrMissingOwner          = errors.New("mutation owner required")
	ErrOwnerMismatch         = errors.New("payload owner does not match mutation owner")
	ErrOperationNotQueueable = errors.New("operation cannot be queued offline")
	ErrOffline               = errors.New("cannot sync while offline")
	ErrNothingToSync         = errors.New("nothing to sync")
	ErrSyncInProgress        = errors.New("sync already in progress")
	ErrNotInitialized        = errors.New("offline manager not initialized")
	ErrInvalidSchema         = errors.New("invalid json schema")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidateCollection accepts remote table and procedure names.
func ValidateCollection(name string) error {
	if name == "" || !namePattern.MatchString(name) {
		return ErrInvalidCollection
	}
	return nil
}
