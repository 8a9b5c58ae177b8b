package rssync

import "errors"

var (
	// ErrNotFound is the error returned when a digest or path is not present.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt means index data is unreadable or inconsistent.
	// It is never repaired automatically.
	ErrCorrupt = errors.New("index corrupt")

	// ErrTxConflict is the error from beginning a transaction
	// while another one is active on the same index.
	ErrTxConflict = errors.New("transaction already active")

	// ErrLocation means a source or destination string could not be parsed.
	ErrLocation = errors.New("bad location")

	// ErrUnsupported means a transport pairing is not implemented.
	ErrUnsupported = errors.New("unsupported")

	// ErrReadOnly is the error from a write operation on a read-only endpoint.
	ErrReadOnly = errors.New("read-only")

	// ErrTransport is a connection- or authentication-level failure.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout means an in-flight request was abandoned after its deadline.
	// Unlike ErrTransport it is worth retrying.
	ErrTimeout = errors.New("timed out")
)

// Retryable tells whether err is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
