package rpc

import (
	"fmt"
	"strings"
)

// CoderError is a schema validation failure. Path names the exact failing
// field (e.g. ["permissions","spend","0","period"]) so callers can match
// on the location programmatically rather than parsing message text.
type CoderError struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// NewCoderError creates a coder error for the given field path.
func NewCoderError(path []string, format string, args ...interface{}) *CoderError {
	return &CoderError{
		Path:    append([]string(nil), path...),
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *CoderError) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.PathString(), e.Message)
}

// PathString returns the dotted form of the failing path,
// e.g. "permissions.spend.0.period".
func (e *CoderError) PathString() string {
	return strings.Join(e.Path, ".")
}

// MethodNotSupportedError reports a method outside the catalogue. It is
// distinct from CoderError: the request was well-formed JSON, the wallet
// just does not implement the method.
type MethodNotSupportedError struct {
	Method string `json:"method"`
}

func (e *MethodNotSupportedError) Error() string {
	return fmt.Sprintf("method not supported: %s", e.Method)
}
