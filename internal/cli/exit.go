package cli

import (
	"errors"
	"fmt"

	"provcache/internal/core"
)

const (
	ExitSuccess            = 0
	ExitPayloadFailure     = 1
	ExitInvalidInvocation  = 2
	ExitConfigError        = 3
	ExitInternalError      = 4
	ExitEnvironmentFailure = 5
	ExitTimeout            = 6
)

// ExitError carries the semantic exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitErrorf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps err to a process exit code. Errors that are not an
// *ExitError come from argument parsing and count as invalid invocations.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) && ee != nil {
		return ee.Code
	}
	return ExitInvalidInvocation
}

// exitCodeForKind maps a failed TaskRun's error kind.
func exitCodeForKind(kind error) int {
	switch {
	case kind == nil:
		return ExitSuccess
	case errors.Is(kind, core.ErrPayload):
		return ExitPayloadFailure
	case errors.Is(kind, core.ErrTimeout):
		return ExitTimeout
	case errors.Is(kind, core.ErrProvision), errors.Is(kind, core.ErrRestore),
		errors.Is(kind, core.ErrStore), errors.Is(kind, core.ErrVerification):
		return ExitEnvironmentFailure
	default:
		return ExitInternalError
	}
}
