package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"spectracache/pkg/api"
	"spectracache/pkg/cacheerr"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

func NewOKResponse() api.Envelope {
	return api.Envelope{Status: string(StatusOK)}
}

// NewResultResponse wraps result, and err when the call failed after
// producing a partial result.
func NewResultResponse(result any, err error) (api.Envelope, error) {
	env := api.Envelope{Status: string(StatusSuccess)}
	if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			return env, mErr
		}
		if string(raw) != "null" {
			env.Result = raw
		}
	}
	if err != nil {
		env.Status = string(StatusError)
		env.Error = api.ErrorFrom(err)
	}
	return env, nil
}

func NewErrorResponse(err error) api.Envelope {
	return api.Envelope{Status: string(StatusError), Error: api.ErrorFrom(err)}
}

// httpStatus maps an error class to the status code sent with it.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, cacheerr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, cacheerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cacheerr.ErrTypeMismatch),
		errors.Is(err, cacheerr.ErrTransactionAborted):
		return http.StatusConflict
	case errors.Is(err, cacheerr.ErrConditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, cacheerr.ErrKeyLocked):
		return http.StatusLocked
	case errors.Is(err, cacheerr.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, cacheerr.ErrNotLeader),
		errors.Is(err, cacheerr.ErrShardMoved):
		return http.StatusMisdirectedRequest
	case errors.Is(err, cacheerr.ErrNoQuorum),
		errors.Is(err, cacheerr.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, cacheerr.ErrNodeUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

// writeResult answers with result and the status err maps to.
func (s *Server) writeResult(w http.ResponseWriter, result any, err error) {
	env, mErr := NewResultResponse(result, err)
	if mErr != nil {
		s.log.Error("Failed to encode result", "error", mErr)
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(mErr))
		return
	}
	if err != nil && httpStatus(err) == http.StatusInternalServerError {
		s.log.Warn("Request failed", "error", err)
	}
	s.writeJSON(w, httpStatus(err), env)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeResult(w, nil, err)
}

// logAttrs is the request context logged with handler failures.
func logAttrs(r *http.Request) []any {
	return []any{slog.String("method", r.Method), slog.String("path", r.URL.Path)}
}
