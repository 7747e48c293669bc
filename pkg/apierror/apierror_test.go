package apierror_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ClawsCorp/core/pkg/apierror"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	apierror.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem apierror.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 || problem.Title != "Bad Request" || problem.Detail != "field is missing" {
		t.Errorf("unexpected problem: %+v", problem)
	}
}

func TestWriteErrorR_Instance(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Trace-ID", "trace-1")
	r := httptest.NewRequest(http.MethodPost, "/api/v1/settlement/202501", nil)
	apierror.WriteErrorR(w, r, http.StatusConflict, "Conflict", "busy")

	var problem apierror.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/api/v1/settlement/202501" {
		t.Errorf("instance = %q", problem.Instance)
	}
	if problem.TraceID != "trace-1" {
		t.Errorf("trace_id = %q", problem.TraceID)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	apierror.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	if strings.Contains(w.Body.String(), "10.0.0.1") {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	apierror.WriteTooManyRequests(w, 30)

	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q", got)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}
