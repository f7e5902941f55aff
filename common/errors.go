package common

import (
	"errors"
	"fmt"
)

// PolicyRecursionError reports the distinguished backend failure where an
// access-control rule recursively depends on itself, making the normal
// query path unusable. The authorization resolver branches into its
// emergency path on this error and on nothing else, so store
// implementations must return it (possibly wrapped) whenever the backend
// signals this condition, and must never fold it into a generic error.
type PolicyRecursionError struct {
	// Rule names the self-referencing policy when the backend reports it.
	Rule string
}

func (e *PolicyRecursionError) Error() string {
	if e.Rule == "" {
		return "policy self-reference detected in access rule"
	}
	return fmt.Sprintf("policy self-reference detected in access rule %q", e.Rule)
}

// IsPolicyRecursion reports whether err is, or wraps, a policy
// self-reference failure.
func IsPolicyRecursion(err error) bool {
	var pre *PolicyRecursionError
	return errors.As(err, &pre)
}
