package repository

import (
	"errors"
	"fmt"

	"github.com/driftmock/driftmock/internal/fsutil"
)

// The four error kinds surfaced to callers, per spec §7.

// MissingResourceError is raised when a caller refers to a stub index that
// does not exist.
type MissingResourceError struct {
	Resource string
	Index    int
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("no such resource: %s[%d]", e.Resource, e.Index)
}

// LockContentionError is raised when a locked operation exhausts its
// retry budget. It is a type alias over fsutil's error so callers can
// errors.As against either package.
type LockContentionError = fsutil.LockContentionError

// IOError wraps an underlying filesystem failure (permissions, disk).
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// ParseError wraps corrupt JSON found on disk.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// classify maps an fsutil-level error into one of the four repository
// error kinds. A nil error maps to nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var parseErr *fsutil.ParseError
	if errors.As(err, &parseErr) {
		return &ParseError{Path: parseErr.Path, Err: parseErr.Err}
	}

	var lockErr *fsutil.LockContentionError
	if errors.As(err, &lockErr) {
		return err
	}

	return &IOError{Op: op, Err: err}
}
