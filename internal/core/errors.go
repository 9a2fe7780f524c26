package core

import (
	"errors"
	"strings"
)

// Failure classes surfaced by the supervisor, reconciler and store. Components
// wrap one of these with a human-readable reason; the HTTP layer maps them to
// status codes with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
	ErrProcessSpawn  = errors.New("process spawn failed")
	ErrFatalStop     = errors.New("fatal stop failure")
	ErrStore         = errors.New("store error")
	ErrInvalidInput  = errors.New("invalid input")
)

var classes = []error{ErrNotFound, ErrConfiguration, ErrProcessSpawn, ErrFatalStop, ErrStore, ErrInvalidInput}

// Reason returns the human-readable part of err, without the trailing class
// name added by wrapping a sentinel.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, c := range classes {
		if errors.Is(err, c) {
			if trimmed := strings.TrimSuffix(msg, ": "+c.Error()); trimmed != "" {
				return trimmed
			}
		}
	}
	return msg
}
