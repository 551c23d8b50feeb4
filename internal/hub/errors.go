package hub

import "echohub/internal/errkind"

// ErrorKind distinguishes the caller-facing failure modes of §7 so that
// upstream retry policy can differ by kind.
type ErrorKind = errkind.Kind

const (
	ErrNoConnection     = errkind.NoConnection
	ErrTimeout          = errkind.Timeout
	ErrConnectionClosed = errkind.ConnectionClosed
	ErrCompileStarted   = errkind.CompileStarted
	ErrProtocolError    = errkind.ProtocolError
	ErrShutdown         = errkind.Shutdown
)

// Error is the only error type the External Surface returns to callers.
// Transport- and codec-level failures are recovered and logged internally;
// they never reach here.
type Error = errkind.Error

func newError(kind ErrorKind, msg string) *Error {
	return errkind.New(kind, msg)
}
