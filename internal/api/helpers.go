package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/prodtrack/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *schema.ProdError `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and writes it as a structured error.
// Errors that are not ProdErrors are reported as opaque 500s.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *schema.ProdError
	if !errors.As(err, &pe) {
		pe = schema.NewError(schema.ErrCodeStore, "internal error").WithCause(err)
	}
	status := statusFor(pe.Code)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: pe})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeOutOfSequence, schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into v, reporting malformed input as a
// validation error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err).WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime parses an RFC 3339 query param. Absent params yield nil.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be an RFC 3339 timestamp", key).
			WithDetails(map[string]any{"violations": []schema.FieldViolation{{Field: key, Message: "must be an RFC 3339 timestamp"}}})
	}
	t = t.UTC()
	return &t, nil
}
