package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	domainerrors "github.com/yachaq/privacy-core/internal/domain/errors"
)

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// writeError maps an error onto the HTTP response. Application errors
// carry their own status code; anything else is a 500 with the message
// withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *domainerrors.AppError
	if errors.As(err, &appErr) {
		if appErr.StatusCode >= 500 {
			slog.ErrorContext(r.Context(), "request failed",
				"path", r.URL.Path, "code", appErr.Code, "error", err)
		}
		writeJSON(w, appErr.StatusCode, errorResponse{Error: errorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
			TraceID: RequestID(r.Context()),
		}})
		return
	}

	slog.ErrorContext(r.Context(), "request failed",
		"path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
		TraceID: RequestID(r.Context()),
	}})
}

// decodeJSON parses the request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domainerrors.NewValidationError("INVALID_JSON", "request body is not valid JSON").WithCause(err)
	}
	return nil
}
