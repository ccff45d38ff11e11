package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/store"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeInvalidPath, "Invalid path")

	if resp.Error != "Bad Request" {
		t.Errorf("Expected Error 'Bad Request', got '%s'", resp.Error)
	}
	if resp.Message != "Invalid path" {
		t.Errorf("Expected Message 'Invalid path', got '%s'", resp.Message)
	}
	if resp.Code != ErrCodeInvalidPath {
		t.Errorf("Expected Code ErrCodeInvalidPath, got '%s'", resp.Code)
	}
}

func TestErrorResponse_WithFieldsAndRequestID(t *testing.T) {
	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, "Validation failed").
		WithFields(map[string]string{"flags.a": "bad"}).
		WithRequestID("req-123")

	if resp.Fields["flags.a"] != "bad" {
		t.Errorf("Expected field error, got %v", resp.Fields)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("Expected RequestID 'req-123', got '%s'", resp.RequestID)
	}
}

func TestValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/flags/billing/prod", nil)

	ValidationError(w, r, "Invalid flag update", map[string]string{"flags.a": "Definition must be valid JSON"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Code != ErrCodeValidation {
		t.Errorf("Expected Code ErrCodeValidation, got '%s'", resp.Code)
	}
	if resp.Fields["flags.a"] == "" {
		t.Errorf("Expected field error for flags.a, got %v", resp.Fields)
	}
}

func TestWriteErrorResponse_RequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	r = r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, "req-42"))

	NotFoundError(w, r, "Not found")

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RequestID != "req-42" {
		t.Errorf("Expected request id req-42, got %q", resp.RequestID)
	}
}

func TestWriteStoreError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{"authentication", fmt.Errorf("%w: token rejected", auth.ErrAuthentication), http.StatusUnauthorized, ErrCodeUnauthorized},
		{"forbidden", fmt.Errorf("add flags: %w", store.ErrForbidden), http.StatusForbidden, ErrCodeForbidden},
		{"conflict", &store.ConflictError{Path: "p/e/x.yaml", ExpectedRevision: "r"}, http.StatusConflict, ErrCodeConflict},
		{"not found", fmt.Errorf("raw file: %w", store.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"remote", &store.RemoteError{Op: "raw file", StatusCode: 500, Body: "boom"}, http.StatusBadGateway, ErrCodeUpstream},
		{"deadline", fmt.Errorf("acquire lock: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, ErrCodeTimeout},
		{"other", errors.New("unexpected"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPut, "/flags/p/e", nil)

			writeStoreError(w, r, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestWriteStoreError_ConflictMessageAndUpstream(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/flags/p/e", nil)
	writeStoreError(w, r, fmt.Errorf("still conflicting: %w", store.ErrConflict))

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Message != conflictMessage {
		t.Errorf("Expected conflict message, got %q", resp.Message)
	}

	w = httptest.NewRecorder()
	writeStoreError(w, r, fmt.Errorf("update: %w", &store.RemoteError{Op: "update file", StatusCode: 403, Body: `{"message":"403 Forbidden"}`}))
	resp = ErrorResponse{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Upstream == nil || resp.Upstream.Status != 403 || resp.Upstream.Body != `{"message":"403 Forbidden"}` {
		t.Errorf("Expected upstream status and body to be kept, got %+v", resp.Upstream)
	}
}
