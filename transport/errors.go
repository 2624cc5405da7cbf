package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

// ComError is a failure to talk to a resource at all, as opposed to a
// command that ran and reported an error: hostname resolution,
// authentication, session open, SFTP setup.
type ComError struct {
	Resource string
	Op       string
	Err      error
}

func (e *ComError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *ComError) Cause() error  { return e.Err }
func (e *ComError) Unwrap() error { return e.Err }

// NewComError wraps err as a ComError, or returns nil if err is nil.
func NewComError(resource, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ComError{Resource: resource, Op: op, Err: err}
}

// IsComError reports whether err, or anything it wraps, is a ComError.
func IsComError(err error) bool {
	var ce *ComError
	return errors.As(err, &ce)
}
