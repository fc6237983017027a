package spawn

import (
	"errors"
	"strings"
	"syscall"
)

// ActivationError wraps a spawn/connect failure with a derived, actionable
// fix message (§4.5.1's error->fix mapping table).
type ActivationError struct {
	Name    string
	Message string
	Fix     string
}

func (e *ActivationError) Error() string {
	return "spawn: activate " + e.Name + ": " + e.Message + " (" + e.Fix + ")"
}

// newActivationError derives the fix message from err's kind, distinguishing
// stdio vs remote failure modes per the §4.5.1 table.
func newActivationError(name string, err error, remote bool) *ActivationError {
	return &ActivationError{
		Name:    name,
		Message: err.Error(),
		Fix:     deriveFix(err, remote),
	}
}

func deriveFix(err error, remote bool) string {
	msg := err.Error()

	switch {
	case errors.Is(err, syscall.ENOENT) && !remote:
		return "command not found; install or correct the command"
	case errors.Is(err, syscall.EACCES) && !remote:
		return "permission denied; check executable bit"
	case errors.Is(err, syscall.ECONNREFUSED) && remote:
		return "server not reachable at URL"
	case errors.Is(err, syscall.EADDRINUSE):
		return "port already in use"
	case strings.Contains(msg, "Cannot find module"):
		return "missing dependencies"
	case strings.Contains(msg, "timeout"), errors.Is(err, syscall.ETIMEDOUT):
		return "connection timeout"
	case !remote:
		return "verify command and args"
	default:
		return "verify URL and that the remote is running"
	}
}
