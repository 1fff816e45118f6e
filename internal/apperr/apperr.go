// Package apperr defines the error kinds shared by the upload pipeline and
// their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusClientClosedRequest is the non-standard status used when the client
// went away before a response could be produced.
const StatusClientClosedRequest = 499

var (
	ErrClient          = errors.New("bad request")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrClientAbort     = errors.New("client aborted request")
	ErrStorage         = errors.New("temporary storage failure")
	ErrEngine          = errors.New("scan engine failure")
	ErrScanTimeout     = errors.New("scan timed out")
	ErrUnavailable     = errors.New("service unavailable")
	ErrInvalidState    = errors.New("invalid state")
)

type kind struct {
	err    error
	status int
	code   string
	public bool
}

// kinds is ordered; the first match wins when an error wraps several kinds.
var kinds = []kind{
	{ErrInvalidState, http.StatusInternalServerError, "InternalError", false},
	{ErrClient, http.StatusBadRequest, "BadRequest", true},
	{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PayloadTooLarge", true},
	{ErrClientAbort, StatusClientClosedRequest, "ClientClosedRequest", true},
	{ErrUnavailable, http.StatusServiceUnavailable, "ServiceUnavailable", true},
	{ErrScanTimeout, http.StatusGatewayTimeout, "ScanTimeout", false},
	{ErrEngine, http.StatusBadGateway, "EngineError", false},
	{ErrStorage, http.StatusInternalServerError, "InternalError", false},
}

var internal = kind{status: http.StatusInternalServerError, code: "InternalError"}

func lookup(err error) kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k
		}
	}
	return internal
}

// Wrap attaches kind to err, keeping err in the chain for errors.Is/As.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Errorf builds a new error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Classified reports whether err already carries one of the kinds above.
func Classified(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return true
		}
	}
	return false
}

// Status returns the HTTP status code for err.
func Status(err error) int {
	return lookup(err).status
}

// Code returns the short machine readable code for err.
func Code(err error) string {
	return lookup(err).code
}

// Message returns the text that may be shown to clients. Server-side kinds
// get a generic message so internal details stay in the logs.
func Message(err error) string {
	k := lookup(err)
	if !k.public {
		return "We encountered an internal error. Please try again."
	}
	return err.Error()
}
