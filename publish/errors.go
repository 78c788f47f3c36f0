package publish

import "fmt"

// PreconditionError means a local input was invalid: a missing archive,
// missing identity fields, or a declared size that doesn't match the file.
// It is raised before any network call.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}
