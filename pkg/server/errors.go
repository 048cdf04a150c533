package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/officeagent/pkg/credential"
	"github.com/harun/officeagent/pkg/pool"
	"github.com/harun/officeagent/pkg/stream"
)

// errorStatus maps a failure to its HTTP status. Tool server and build
// failures are internal errors.
func errorStatus(err error) int {
	var authErr *credential.AuthError
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// stage names the request stage an error came from, for logging.
func stage(err error) string {
	var (
		authErr  *credential.AuthError
		buildErr *pool.AgentConstructionError
		abortErr *stream.StreamAbortError
	)
	switch {
	case errors.As(err, &authErr):
		return "credential"
	case errors.As(err, &buildErr):
		return buildErr.Stage
	case errors.As(err, &abortErr):
		return "stream"
	default:
		return "request"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}
