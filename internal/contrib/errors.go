package contrib

import (
	"errors"
	"fmt"

	"phasehost/internal/lifecycle"
)

var (
	ErrDuplicateID         = errors.New("contribution id already registered")
	ErrNotStarted          = errors.New("contribution registry not started")
	ErrUnknownContribution = errors.New("unknown contribution")
	ErrCreationFailed      = errors.New("contribution creation failed")
	ErrAlreadyStarted      = errors.New("contribution registry already started")

	errNilInstance = errors.New("factory returned a nil contribution")
)

// ConstructionError describes one failed construction attempt.
// It is logged and passed to the Observer; it never escapes a phase batch.
type ConstructionError struct {
	ID    string
	Name  string
	Phase lifecycle.Phase
	Err   error
	// Stack is set when the factory panicked.
	Stack string
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("create %s (phase %s): %v", e.Name, e.Phase, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// IsPanic reports whether the factory panicked.
func (e *ConstructionError) IsPanic() bool { return e.Stack != "" }
