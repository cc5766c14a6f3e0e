package files

import "errors"

// Domain errors. Callers distinguish outcomes with errors.Is; the HTTP
// layer maps each to a status code and machine-readable error code.
var (
	// ErrNotFound — the file does not exist or has been permanently deleted.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidState — the requested lifecycle transition is not legal
	// from the file's current status.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrUnsupportedType — the declared content type maps to none of the
	// accepted file types.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrTooLarge — the upload exceeds the size limit.
	ErrTooLarge = errors.New("file too large")

	// ErrStorageFailure — the blob store failed to read or write.
	ErrStorageFailure = errors.New("storage failure")

	// ErrAlreadyExists — a blob already occupies the generated storage
	// path. Paths are derived from fresh UUIDs, so this indicates an
	// internal fault rather than a caller mistake.
	ErrAlreadyExists = errors.New("storage path already exists")
)
