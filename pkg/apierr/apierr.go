// Package apierr defines the error taxonomy shared by the coordinator API, the
// registry, and the worker agent. Errors are plain sentinels wrapped with context via
// fmt.Errorf, unwrapped at the transport boundary with errors.Is to pick an HTTP status.
package apierr

import (
	"errors"
	"net/http"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrJobUnknown       = errors.New("job unknown")
	ErrPluginUnknown    = errors.New("plugin unknown")
	ErrInputUnavailable = errors.New("input unavailable")
	ErrOutputMissing    = errors.New("output missing")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrJobCancelled     = errors.New("job cancelled")
)

// StatusFor maps an error produced anywhere in the coordinator to the HTTP status code
// the API layer should return for it. Unrecognized errors map to 500.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrJobUnknown):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
