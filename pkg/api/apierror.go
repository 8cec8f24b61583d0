package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/blossm-network/packages/pkg/ledger"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID carries the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
	// Field names the offending proposal field of a validation failure.
	Field string `json:"field,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, problem *ProblemDetail) {
	problem.Type = fmt.Sprintf("urn:ledger:problem:%d", problem.Status)
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	problem.TraceID = w.Header().Get(RequestIDHeader)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: status, Title: title, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "request_id", w.Header().Get(RequestIDHeader), "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeLedgerError maps the ledger error taxonomy onto problem responses.
func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *ledger.ValidationError
		conflict     *ledger.ConflictError
		unrecognized *ledger.UnrecognizedActionError
		problem      *ProblemDetail
	)
	switch {
	case errors.As(err, &validation):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusBadRequest, Detail: validation.Error(), Field: validation.Field})
	case errors.As(err, &conflict):
		WriteError(w, r, http.StatusPreconditionFailed, "Precondition Failed", conflict.Error())
	case errors.As(err, &unrecognized):
		WriteBadRequest(w, r, unrecognized.Error())
	case errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.As(err, &problem):
		writeProblem(w, r, problem)
	default:
		WriteInternal(w, r, s.logger, err)
	}
}
