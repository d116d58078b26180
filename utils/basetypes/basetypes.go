package basetypes

import (
	"fmt"
	"strings"
)

// File is a path to a regular file
type File string

// Directory is a path to a directory
type Directory string

// MS is a path to a measurement set (a directory on disk)
type MS string

// URI is a file-like value with an optional scheme prefix
type URI string

// Scheme splits a URI into its scheme and path. An absent scheme
// defaults to "file".
func (u URI) Scheme() (string, string) {
	s := string(u)
	if idx := strings.Index(s, "://"); idx >= 0 {
		return s[:idx], s[idx+3:]
	}
	return "file", s
}

// Path returns the path component of the URI
func (u URI) Path() string {
	_, path := u.Scheme()
	return path
}

// UNSET marks a value that has not been supplied. Name records the dotted
// path or parameter the marker stands in for; Errors carries any causes.
type UNSET struct {
	Name   string
	Errors []error
}

func (u UNSET) String() string {
	if u.Name != "" {
		return fmt.Sprintf("UNSET(%s)", u.Name)
	}
	return "UNSET"
}

// IsUnset reports whether a value is an UNSET marker
func IsUnset(value interface{}) bool {
	switch value.(type) {
	case UNSET, *UNSET:
		return true
	}
	return false
}

// Unresolved marks a value whose substitution or formula evaluation failed
// but was tolerated. Value holds the original string; Errors the causes.
type Unresolved struct {
	Value  string
	Errors []error
}

func (u Unresolved) String() string {
	return fmt.Sprintf("Unresolved(%s)", u.Value)
}

func (u Unresolved) Error() string {
	msgs := make([]string, 0, len(u.Errors))
	for _, err := range u.Errors {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("'%s' unresolved", u.Value)
	}
	return fmt.Sprintf("'%s' unresolved: %s", u.Value, strings.Join(msgs, "; "))
}

// IsUnresolved reports whether a value is an Unresolved marker
func IsUnresolved(value interface{}) bool {
	switch value.(type) {
	case Unresolved, *Unresolved:
		return true
	}
	return false
}

// Placeholder marks a value that is guaranteed to resolve later in the run
// (e.g. a for-loop iterant before the loop starts)
type Placeholder struct {
	Name string
}

func (p Placeholder) String() string {
	return fmt.Sprintf("Placeholder(%s)", p.Name)
}
