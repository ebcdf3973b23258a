package board

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when the element (or board membership) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the author lacks the role required by the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStaleBase is returned when a patch's BaseVersion no longer matches the stored row.
	ErrStaleBase = errors.New("stale base version")

	// ErrAlreadyExists is returned when creating an element whose ID is taken.
	ErrAlreadyExists = errors.New("element already exists")
)

// IsNotFound returns true for ErrNotFound and for Redis "key not found" (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// IsUnauthorized returns true if the store rejected the caller's access.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
