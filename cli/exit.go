package cli

import "fmt"

// Process exit codes. Cobra's own flag and usage errors keep its
// default of 1.
const (
	exitSuccess = 0
	exitConfig  = 2 // config discovery, parse, or validation failed
	exitRuntime = 3 // transport or journal failure while serving
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
