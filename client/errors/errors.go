package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Class is the single handling policy an update pipeline error maps to.
type Class int

const (
	// SilentRetry errors are logged and retried on the next scheduled trigger.
	SilentRetry Class = iota
	// UserRetryable errors are surfaced to the user together with a retry action.
	UserRetryable
	// SilentCancel covers user or caller intent; nothing is surfaced.
	SilentCancel
	// ManualFallback hands the downloaded package to the user.
	ManualFallback
)

func (c Class) String() string {
	switch c {
	case SilentRetry:
		return "silent-retry"
	case UserRetryable:
		return "user-retryable"
	case SilentCancel:
		return "silent-cancel"
	case ManualFallback:
		return "manual-fallback"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ClassifiedError carries its handling class across component boundaries.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with class c. A nil err stays nil.
func Classify(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: c, Err: err}
}

// ClassOf returns the class attached to err. Unclassified errors are treated
// as UserRetryable so they are never swallowed.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return UserRetryable
}

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d errors occurred:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
