// Package api serves the settlement HTTP API. Errors are RFC 7807 problem
// details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const problemTypeBase = "https://helm.peycheff.com/errors/streams/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Claim rejections add the numbers a client needs to correct and retry.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	Reason    string   `json:"reason,omitempty"`
	Vested    *int64   `json:"vested,omitempty"`
	Streamed  *int64   `json:"streamed,omitempty"`
	Requested *int64   `json:"requested,omitempty"`
	Digest    string   `json:"digest,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WriteProblem writes p, filling instance and trace id from the request.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if r != nil {
		p.Instance = r.URL.Path
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, nil, newProblem(status, title, detail))
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, r, newProblem(status, title, detail))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Wallet signature required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfterSecs))
}

// WriteBadGateway writes a 502 error response for a failed upstream.
func WriteBadGateway(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadGateway, "Bad Gateway", detail)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
