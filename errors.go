package fusion

import (
	"errors"
	"fmt"
)

// Error codes carried in tagged error envelopes. The code appears as a
// bracketed tag in the first text block so that agent callers can classify
// the failure without parsing prose.
const (
	// ErrorCodeMissingDiscriminator tags calls that omit the discriminator
	// field (or supply a non-string value for it).
	ErrorCodeMissingDiscriminator = "MISSING_DISCRIMINATOR"

	// ErrorCodeUnknownAction tags calls whose discriminator value matches
	// no registered action.
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"

	// ErrorCodeValidation tags calls whose arguments violate the action's
	// input schema.
	ErrorCodeValidation = "VALIDATION_ERROR"

	// ErrorCodeServerBusy tags calls shed because both active capacity and
	// queue capacity were exhausted. Callers may retry later.
	ErrorCodeServerBusy = "SERVER_BUSY"

	// ErrorCodeHandlerError tags calls whose handler failed.
	ErrorCodeHandlerError = "HANDLER_ERROR"
)

// ErrToolExists is returned when registering a tool name twice.
var ErrToolExists = errors.New("fusion: tool already registered")

// ErrorResult creates a tagged error envelope. The message may span
// multiple lines; the first line should state the failure, later lines
// may list valid alternatives and a recovery instruction.
func ErrorResult(code, message string) *Result {
	return &Result{
		Content: []ContentBlock{TextBlock(fmt.Sprintf("[%s] %s", code, message))},
		IsError: true,
	}
}

// ErrorResultf creates a tagged error envelope with a formatted message.
func ErrorResultf(code, format string, args ...any) *Result {
	return ErrorResult(code, fmt.Sprintf(format, args...))
}
