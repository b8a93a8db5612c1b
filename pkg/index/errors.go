package index

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify with errors.Is.
var (
	// ErrConfig reports inconsistent block size, order or record layout.
	ErrConfig = errors.New("index configuration error")

	// ErrCorrupt reports a violated structural invariant. It is not retryable.
	ErrCorrupt = errors.New("index corrupt")

	// ErrIO reports a failure of the underlying storage. It may be transient.
	ErrIO = errors.New("index i/o error")

	// ErrClosed is returned by operations on a closed index or storage.
	ErrClosed = errors.New("index closed")

	// ErrConcurrentModification is reported by an iterator whose index was
	// structurally modified after the iterator was created.
	ErrConcurrentModification = errors.New("index modified during iteration")
)

// ConfigError returns an error wrapping ErrConfig.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// CorruptError returns an error wrapping ErrCorrupt.
func CorruptError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IOError wraps err as an ErrIO. The original error stays reachable through
// errors.Is and errors.As. A nil err returns nil.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) || errors.Is(err, ErrClosed) || errors.Is(err, ErrCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
