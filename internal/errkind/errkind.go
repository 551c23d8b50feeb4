// Package errkind defines the caller-facing error kinds of spec.md §7, kept
// separate from package hub so that internal packages (router, sweeper) can
// construct them without importing the hub package itself.
package errkind

// Kind distinguishes the caller-facing failure modes so that upstream retry
// policy can differ by kind.
type Kind string

const (
	NoConnection     Kind = "no-connection"
	Timeout          Kind = "timeout"
	ConnectionClosed Kind = "connection-closed"
	CompileStarted   Kind = "compile-started"
	ProtocolError    Kind = "protocol-error"
	Shutdown         Kind = "shutdown"
)

// Error is the only error type the External Surface returns to callers.
// Transport- and codec-level failures are recovered and logged internally;
// they never surface here.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}
