package gridfs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFileNotFound is returned when no metadata record matches an id,
	// filename or revision.
	ErrFileNotFound = errors.New("file not found")
	// ErrDuplicateKey is returned when a file id is already taken
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrCorruptFile is returned when stored chunks disagree with the
	// metadata record: missing, repeated or mis-sized chunks.
	ErrCorruptFile = errors.New("corrupt file")
	// ErrWriteRejected is returned when the caller's sink refuses bytes
	ErrWriteRejected = errors.New("write rejected")
	// ErrStoreUnavailable wraps any other failure of the underlying store.
	// The core never retries.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidArgument is returned for bad chunk sizes, filters and options
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStreamClosed is returned when a closed or aborted stream is used
	ErrStreamClosed = errors.New("stream closed")
)

// storeError classifies an error coming back from a store. Not-found,
// duplicate-key, invalid-argument and context errors keep their kind; everything else
// becomes ErrStoreUnavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrFileNotFound),
		errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrCorruptFile),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
