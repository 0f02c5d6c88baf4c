package control

import (
	"errors"
	"fmt"

	"github.com/provnode/runtimectl/wire"
)

var (
	// ErrSessionClosed is returned for any call issued after, or still pending
	// when, the session reaches Terminated or Crashed. It means the runtime is
	// gone and the caller must re-provision rather than retry.
	ErrSessionClosed = errors.New("session closed")

	// ErrBusy means another exclusive command holds the session. The session
	// itself is unaffected; the caller may retry once the holder completes.
	ErrBusy = errors.New("exclusive command in progress")

	// ErrHandshake means the version exchange failed or timed out.
	ErrHandshake = errors.New("handshake failed")
)

// CommandError is a failed outcome surfaced as an error by convenience
// wrappers. The session that produced it is still alive; contrast with
// ErrSessionClosed, which means the runtime is gone.
type CommandError struct {
	Code   string
	Detail string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s: %s", e.Code, e.Detail)
}

func (e *CommandError) Is(target error) bool {
	switch target {
	case ErrBusy:
		return e.Code == CodeBusy
	case ErrSessionClosed:
		return e.Code == CodeSessionClosed
	}
	return false
}

// OutcomeError converts a failed outcome into a *CommandError, and a
// successful one into nil.
func OutcomeError(out wire.Outcome) error {
	if out.OK {
		return nil
	}
	return &CommandError{Code: out.Code, Detail: out.Detail}
}

// Outcome failure codes carried on the wire.
const (
	CodeBusy           = "busy"
	CodeSessionClosed  = "session_closed"
	CodeAborted        = "aborted"
	CodeHandlerFailure = "handler_failure"
	CodeUnknownCommand = "unknown_command"
	CodeBadRequest     = "bad_request"
	CodeProtocol       = "protocol"
	CodeGraceExpired   = "grace_expired"
)
