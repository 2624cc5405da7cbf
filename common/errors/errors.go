package errors

import "fmt"

// ExitCodeError pairs an error with the process exit code it should produce.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func Errorf(exitCode ExitCode, format string, args ...interface{}) *ExitCodeError {
	return &ExitCodeError{exitCode, fmt.Errorf(format, args...)}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Cause() error {
	return e.error
}
