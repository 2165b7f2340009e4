// Package errors classifies the failures that end a tollgate command so
// the process exits with a code that tells configuration mistakes apart
// from runtime failures.
package errors

import (
	stderrors "errors"
	"fmt"
	"os"
)

const (
	ExitFailure = 1
	ExitConfig  = 2
)

// OperationError is a failure of a named step of a command.
type OperationError struct {
	Operation string
	Err       error
	Code      int
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Fatal wraps a runtime failure.
func Fatal(operation string, err error) *OperationError {
	return &OperationError{Operation: operation, Err: err, Code: ExitFailure}
}

// Config wraps a failure to read or parse a configuration file.
func Config(path string, err error) *OperationError {
	if os.IsNotExist(err) {
		return &OperationError{Operation: fmt.Sprintf("configuration file '%s' not found", path), Err: err, Code: ExitConfig}
	}
	return &OperationError{Operation: fmt.Sprintf("failed to parse configuration file '%s'", path), Err: err, Code: ExitConfig}
}

// Validation wraps an invalid configuration value.
func Validation(field string, err error) *OperationError {
	return &OperationError{Operation: "invalid configuration - " + field, Err: err, Code: ExitConfig}
}

// ExitCode maps err to a process exit code: 0 for nil, the code of the
// outermost OperationError, or ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var op *OperationError
	if stderrors.As(err, &op) {
		return op.Code
	}
	return ExitFailure
}
