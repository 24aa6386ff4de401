package dispatch

import "errors"

var (
	// ErrRPCTimeout is returned when no matching reply arrives before the
	// call deadline. The underlying job may still complete later; its
	// reply is simply never consumed.
	ErrRPCTimeout = errors.New("timed out waiting for RPC reply")
)

// TerminalError wraps failures that retrying cannot fix, such as a
// malformed payload or a query vector of the wrong dimensionality. The
// retry governor discards these immediately instead of burning the retry
// budget on them.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal error: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal marks an error as not retryable
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError anywhere in its
// chain
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}
