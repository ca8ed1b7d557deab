package workflow

import (
	"errors"
	"fmt"
)

// InvariantError marks a programming defect: the dialog reached a point the
// feature's own tables say cannot happen. It is raised with panic and must
// not be turned into a user-facing reply.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "workflow invariant violated: " + e.Message
}

// Invariant panics with an *InvariantError.
func Invariant(format string, args ...any) {
	panic(&InvariantError{Message: fmt.Sprintf(format, args...)})
}

// AsInvariant reports whether a recovered panic value is an invariant violation.
func AsInvariant(recovered any) (*InvariantError, bool) {
	err, ok := recovered.(error)
	if !ok {
		return nil, false
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		return inv, true
	}
	return nil, false
}
