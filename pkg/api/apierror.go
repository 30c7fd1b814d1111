// Package api serves the gateway's HTTP surface: platform passthrough
// handlers, credential management and engine status.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/1195214305/xhs-backend/pkg/client"
)

// ProblemDetail implements RFC 7807. It is used for requests the gateway
// rejects before contacting the platform.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteErrorR writes an RFC 7807 response enriched with the request path and
// X-Request-ID.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("about:blank#%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteErrorR(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "request_id", GetRequestID(r.Context()))
	WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// failure is the platform-shaped error body every passthrough handler
// returns.
type failure struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Data    any    `json:"data"`
}

// writeFailure converts a call error into the failure envelope. Business
// errors keep the platform's code and message; everything else is code -1.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	body := failure{Code: -1, Msg: err.Error()}

	var be *client.BusinessError
	if errors.As(err, &be) {
		body.Code = be.Code
		body.Msg = be.Msg
	}

	slog.WarnContext(r.Context(), "upstream call failed",
		"path", r.URL.Path, "code", body.Code, "error", err, "request_id", GetRequestID(r.Context()))
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEnvelope returns the platform's response body verbatim.
func writeEnvelope(w http.ResponseWriter, env *client.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(env.Raw) > 0 {
		_, _ = w.Write(env.Raw)
		return
	}
	_ = json.NewEncoder(w).Encode(env)
}
