package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Construction errors. They abort the build before anything executes.
var (
	ErrDuplicateID     = errors.New("duplicate task id")
	ErrCycle           = errors.New("dependency cycle")
	ErrMissingInput    = errors.New("missing input")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownOutput   = errors.New("unknown output")
	ErrAmbiguousOutput = errors.New("ambiguous output")
	ErrInvalidValue    = errors.New("invalid value")
)

// BuildError wraps a construction failure with detail.
type BuildError struct {
	Kind error
	Msg  string
}

func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return "graph: " + e.Kind.Error()
	}
	return fmt.Sprintf("graph: %s: %s", e.Kind.Error(), e.Msg)
}

func (e *BuildError) Unwrap() error { return e.Kind }

func buildErrorf(kind error, format string, args ...any) error {
	return &BuildError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// MissingInputError lists every external input path that does not exist.
type MissingInputError struct {
	Paths []string
}

func (e *MissingInputError) Error() string {
	return "graph: missing inputs:\n - " + strings.Join(e.Paths, "\n - ")
}

func (e *MissingInputError) Unwrap() error { return ErrMissingInput }

func cycleError(path []string) error {
	return buildErrorf(ErrCycle, "%s", strings.Join(path, " -> "))
}
