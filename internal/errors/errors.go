// ABOUTME: Kind-tagged error type shared by the engine and HTTP handlers.
// ABOUTME: Provides consistent machine-readable error responses across the API.

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable classification of an engine error.
// The dashboard keys its messaging off these tags, so they never change.
type Kind string

const (
	KindInvalidPackage   Kind = "invalid_package"
	KindDuplicatePlugin  Kind = "duplicate_plugin"
	KindPluginNotFound   Kind = "plugin_not_found"
	KindPluginDisabled   Kind = "plugin_disabled"
	KindPluginBusy       Kind = "plugin_busy"
	KindEnvBuildFailed   Kind = "environment_build_failed"
	KindInvalidParameter Kind = "invalid_parameter"
	KindExecNotFound     Kind = "execution_not_found"
	KindSpawnFailed      Kind = "process_spawn_failed"
	KindInternal         Kind = "internal_error"
)

// Error carries a kind tag plus a human-readable message. Field is set for
// validation errors to point at the offending parameter.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithField returns a copy of the error naming the offending field.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// httpStatus maps each kind onto the HTTP status the API surfaces.
func httpStatus(kind Kind) int {
	switch kind {
	case KindInvalidPackage, KindInvalidParameter:
		return http.StatusBadRequest
	case KindPluginNotFound, KindExecNotFound:
		return http.StatusNotFound
	case KindDuplicatePlugin, KindPluginBusy:
		return http.StatusConflict
	case KindPluginDisabled:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// WriteError serializes err as a standardized JSON error response.
// Errors that are not kind-tagged are masked as internal_error so SQL and
// OS details never reach the dashboard verbatim.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Kind: string(KindInternal), Message: "internal error"}
	status := http.StatusInternalServerError

	var e *Error
	if errors.As(err, &e) {
		resp.Kind = string(e.Kind)
		resp.Message = e.Message
		resp.Field = e.Field
		status = httpStatus(e.Kind)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
