package media

import "errors"

// Error taxonomy shared by every stage. Components wrap one of these with
// context via fmt.Errorf("...: %w", ...) and callers match with errors.Is.
var (
	// ErrConfig reports a bad codec/format identifier, invalid parameters,
	// or a malformed filter-graph description.
	ErrConfig = errors.New("config error")

	// ErrResource reports a backend that could not be opened or allocated,
	// or a requested stream kind that does not exist.
	ErrResource = errors.New("resource error")

	// ErrParse reports a malformed bitstream.
	ErrParse = errors.New("parse error")

	// ErrIO reports a storage read or write failure.
	ErrIO = errors.New("io error")

	// ErrBackend reports an unrecoverable decode, encode or container fault.
	ErrBackend = errors.New("backend error")
)

// ErrorKind returns the taxonomy sentinel err wraps, or nil if it wraps none.
func ErrorKind(err error) error {
	for _, k := range []error{ErrConfig, ErrResource, ErrParse, ErrIO, ErrBackend} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
