package cli

import "fmt"

// Exit codes.
const (
	ExitCodeFailure     = 1
	ExitCodeUsage       = 2
	ExitCodeConfig      = 3
	ExitCodeNotLoggedIn = 4
)

// ExitError carries a process exit code. Printed is set once the message
// has already been shown to the user.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exitf builds an ExitError with a formatted message.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}
