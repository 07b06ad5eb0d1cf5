package template

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// ResolutionError explains why a function slug could not be mapped to a
// template. It is never retried.
type ResolutionError struct {
	Slug   string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Slug, e.Reason)
}

const (
	ReasonUnknownFunction  = "function not found"
	ReasonInactiveFunction = "function is inactive"
	ReasonNoTemplate       = "no active template assigned"
)

// MissingVariableError names required variables absent from a render call.
type MissingVariableError struct {
	Keys []string
}

func (e *MissingVariableError) Error() string {
	return "missing required variables: " + strings.Join(e.Keys, ", ")
}

// Key returns the first missing variable.
func (e *MissingVariableError) Key() string {
	if len(e.Keys) == 0 {
		return ""
	}
	return e.Keys[0]
}
