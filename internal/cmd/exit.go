package cmd

import "fmt"

// exitFailure is used for errors that carry no specific code, such as a
// failed pipeline stage.
const exitFailure = 1

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &exitCodeError{
		code: code,
		err:  fmt.Errorf("%s: %w (exit code %d)", message, err, code),
	}
}
