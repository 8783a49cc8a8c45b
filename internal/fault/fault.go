// Package fault classifies every failure the build pipeline can raise, so
// the command line can report what kind of problem stopped a run without
// inspecting error strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind says what has to change for a retry of the run to succeed.
type Kind int

const (
	// Unclassified is the zero value and never set on purpose.
	Unclassified Kind = iota

	// DependencyMissing means an external capability the tool needs is not
	// available, for example an unwritable cache or destination directory.
	DependencyMissing

	// InputValidation means the caller's flags or referenced files are
	// inconsistent or unusable.
	InputValidation

	// NetworkFailure means a remote fetch did not complete.
	NetworkFailure

	// IntegrityFailure means a signature or digest check did not pass.
	IntegrityFailure

	// StructuralAssumptionViolation means the source image does not look
	// like the Ubuntu Server media this tool knows how to rewrite.
	StructuralAssumptionViolation

	// BuildFailure means assembling the output image failed.
	BuildFailure
)

func (k Kind) String() string {
	switch k {
	case DependencyMissing:
		return "missing dependency"
	case InputValidation:
		return "invalid input"
	case NetworkFailure:
		return "network failure"
	case IntegrityFailure:
		return "integrity failure"
	case StructuralAssumptionViolation:
		return "unexpected media structure"
	case BuildFailure:
		return "build failure"
	default:
		return "error"
	}
}

// Error carries a failure kind, the pipeline stage that raised it, and the
// underlying cause. Components create these without a stage; the pipeline
// fills Stage in as the error unwinds.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so
// errors.Is(err, &Error{Kind: NetworkFailure}) asks "was this a network
// failure" regardless of stage and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Stage == "" && t.Err == nil
}

// New returns an error of the given kind with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Errorf formats like fmt.Errorf, %w included, and tags the result.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with a kind. Wrapping nil stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind recorded in err's chain, or Unclassified when the
// chain carries no *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unclassified
}

// InStage records the stage name on the outermost *Error in err's chain.
// Errors that carry no kind yet are tagged BuildFailure, so everything the
// pipeline reports has both a stage and a kind.
func InStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Stage == "" {
			fe.Stage = stage
		}
		return err
	}
	return &Error{Kind: BuildFailure, Stage: stage, Err: err}
}
