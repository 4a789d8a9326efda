package store

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound indicates no record exists for the requested fingerprint.
	ErrNotFound = errors.New("record not found")

	// ErrConstraintViolation indicates a write broke a uniqueness, range or
	// referential constraint of the shard schema.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrStorageUnavailable indicates the shard file or connection failed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// classify wraps SQLite constraint failures with ErrConstraintViolation.
// Other errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}

// unavailable marks err as a storage availability failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
