// Package httputil centralizes JSON encoding, request decoding and the
// mapping from domain error codes to HTTP responses.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dErrors "heirloom/pkg/domain-errors"
)

const maxBodyBytes = 1 << 20

// Validatable is implemented by request types that validate and normalize
// themselves after decoding.
type Validatable interface {
	Validate() error
}

// errorResponse is the uniform error body. The description is omitted for
// internal errors so storage or infrastructure details never leak to callers.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps a domain error to an HTTP status and uniform error body.
// Unclassified errors are treated as internal.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeInternal
	message := ""
	var de *dErrors.Error
	if errors.As(err, &de) {
		code = de.Code
		message = de.Message
	}

	resp := errorResponse{Error: wireCode(code)}
	if code != dErrors.CodeInternal && code != dErrors.CodeInvariantViolation {
		resp.ErrorDescription = message
	}
	WriteJSON(w, statusFor(code), resp)
}

// DecodeAndPrepare decodes the request body into T and runs its validation.
// On failure it writes the error response and returns ok=false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (PT, bool) {
	req := PT(new(T))
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		logger.WarnContext(ctx, "request body decode failed",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return nil, false
	}
	if err := req.Validate(); err != nil {
		WriteError(w, err)
		return nil, false
	}
	return req, true
}

func wireCode(code dErrors.Code) string {
	switch code {
	case dErrors.CodeInternal, dErrors.CodeInvariantViolation:
		return "internal_error"
	}
	return string(code)
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeInvalidTransition, dErrors.CodeStaleActivity,
		dErrors.CodeNotEligible, dErrors.CodeOverAllocation:
		return http.StatusConflict
	case dErrors.CodeTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
