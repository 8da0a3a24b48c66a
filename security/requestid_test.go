package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateRequestIDUniqueAndSized(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty request IDs")
	}
	if a == b {
		t.Error("expected unique request IDs")
	}
	// 16 random bytes in base64url.
	if len(a) != 22 {
		t.Errorf("expected length 22, got %d", len(a))
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")
	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("expected req-abc-123, got %s", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty ID from bare context, got %s", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{"alphanumeric", "abc123", true},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", true},
		{"underscores and hyphens", "req_ID-123_abc", true},
		{"empty", "", false},
		{"header injection", "id123\r\nX-Injected: evil", false},
		{"space", "id 123", false},
		{"equals sign", "id=123", false},
		{"over 128 chars", string(make([]byte, 129)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		existingHeader string
		expectNew      bool
	}{
		{"generates when absent", "", true},
		{"preserves valid upstream ID", "upstream-request-id-xyz", false},
		{"replaces injected ID", "id\r\nX-Injected: evil", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.existingHeader != "" {
				req.Header.Set(RequestIDHeader, tt.existingHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("expected a request ID in the handler context")
			}
			if rec.Header().Get(RequestIDHeader) != seen {
				t.Error("response header must echo the effective request ID")
			}
			if tt.expectNew && seen == tt.existingHeader {
				t.Error("expected a freshly generated ID")
			}
			if !tt.expectNew && seen != tt.existingHeader {
				t.Errorf("expected upstream ID %s, got %s", tt.existingHeader, seen)
			}
		})
	}
}
