package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"executiondesk/pkg/types"
)

type ctxKey int

const requestIDKey ctxKey = iota

// maxBodyBytes bounds request bodies; larger bodies fail with
// REQUEST_TOO_LARGE.
const maxBodyBytes = 64 * 1024

// withRequestID assigns every request a UUIDv4, echoes it in the
// X-Request-ID header, and threads it through the context for logging and
// error envelopes.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// tenantID scopes every read and write. Single-tenant deployments omit the
// header and land on "default".
func tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorDetail is the inner error object of the envelope.
type errorDetail struct {
	Code        int    `json:"code"`
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
	RequestID   string `json:"request_id"`
	Remediation string `json:"remediation,omitempty"`
}

// errorEnvelope is the error body every failing route returns.
type errorEnvelope struct {
	Status    string      `json:"status"`
	Error     errorDetail `json:"error"`
	Content   string      `json:"content"`
	RequestID string      `json:"request_id"`
}

// writeError renders the stable error envelope for a code. message overrides
// the code's canonical message when non-empty.
func writeError(w http.ResponseWriter, r *http.Request, httpStatus int, code types.Code, message string) {
	if message == "" {
		message = code.Message()
	}
	id := requestID(r.Context())
	writeJSON(w, httpStatus, errorEnvelope{
		Status: "ERROR",
		Error: errorDetail{
			Code:        httpStatus,
			ErrorCode:   string(code),
			Message:     message,
			RequestID:   id,
			Remediation: code.Remediation(),
		},
		Content:   message,
		RequestID: id,
	})
}

// decodeBody decodes a bounded JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, types.CodeRequestTooLarge, "")
			return false
		}
		writeError(w, r, http.StatusBadRequest, types.CodeValidationError, "request body is not valid JSON")
		return false
	}
	return true
}
