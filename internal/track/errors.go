package track

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated rejects a connection or message whose identity was
// never established or whose token is invalid or expired.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrNotFound marks a lookup that matched no state. Disconnects and
// unsubscribes referencing unknown state treat it as an idempotent no-op.
var ErrNotFound = errors.New("not found")

// ValidationError marks a malformed inbound payload. The message is dropped
// and the connection stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a durable-write or query failure from the Location
// Store. The caller decides the retry policy.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
