package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/auth"
)

// =============================================================================
// UsageHeadersMiddleware Tests
// =============================================================================

func TestUsageHeadersMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetUsage(r.Context(), &UsageInfo{
			ConfigID:    "carsalesman101_v2",
			Version:     2,
			LatencyMs:   412.4,
			CostUSD:     0.000123,
			AuditQueued: true,
		})
		w.WriteHeader(http.StatusOK)
	})

	wrapped := UsageHeadersMiddleware(handler)

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	checkHeader(t, rec, "x-autonomic-config-id", "carsalesman101_v2")
	checkHeader(t, rec, "x-autonomic-version", "2")
	checkHeader(t, rec, "x-autonomic-latency-ms", "412")
	checkHeader(t, rec, "x-autonomic-cost-usd", "0.000123")
	checkHeader(t, rec, "x-autonomic-audit-queued", "true")
}

func TestUsageHeadersMiddleware_NoUsage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	wrapped := UsageHeadersMiddleware(handler)

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	for name := range rec.Header() {
		if strings.HasPrefix(strings.ToLower(name), "x-autonomic-") {
			t.Errorf("Unexpected header %s", name)
		}
	}
}

func TestUsageHeadersMiddleware_SetAfterWrite(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		SetUsage(r.Context(), &UsageInfo{ConfigID: "late_v1", Version: 1})
	})

	wrapped := UsageHeadersMiddleware(handler)

	req := httptest.NewRequest("POST", "/v1/chat", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	checkHeader(t, rec, "x-autonomic-config-id", "")
}

func TestGetUsage(t *testing.T) {
	if GetUsage(context.Background()) != nil {
		t.Error("Expected nil usage outside the middleware")
	}
	SetUsage(context.Background(), &UsageInfo{}) // no-op

	var seen *UsageInfo
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetUsage(r.Context(), &UsageInfo{ConfigID: "a_v1"})
		seen = GetUsage(r.Context())
	})
	UsageHeadersMiddleware(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if seen == nil || seen.ConfigID != "a_v1" {
		t.Errorf("GetUsage() = %+v, want ConfigID a_v1", seen)
	}
}

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, httptest.NewRequest("GET", "/", nil))
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, httptest.NewRequest("GET", "/", nil))

	if id1, id2 := rec1.Header().Get("X-Request-ID"), rec2.Header().Get("X-Request-ID"); id1 == id2 {
		t.Errorf("Expected unique request IDs, got same: %s", id1)
	}
}

func TestRequestIDMiddleware_Incoming(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"well formed", "req-abc.123_X", true},
		{"spaces", "req abc", false},
		{"header injection", "abc\r\nX-Evil: 1", false},
		{"too long", strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/", nil)
			req.Header[HeaderRequestID] = []string{tt.incoming}
			wrapped.ServeHTTP(httptest.NewRecorder(), req)

			if (got == tt.incoming) != tt.keep {
				t.Errorf("request id = %q, incoming %q, keep %v", got, tt.incoming, tt.keep)
			}
			if got == "" {
				t.Error("Expected a request id")
			}
		})
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("Expected context to have deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(30 * time.Second)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(time.Second):
		}
	})

	wrapped := TimeoutMiddleware(10 * time.Millisecond)(handler)
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

func TestTimeoutMiddleware_Zero(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("Expected no deadline with a zero timeout")
		}
	})
	TimeoutMiddleware(0)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

// =============================================================================
// AdminKeyMiddleware Tests
// =============================================================================

func TestAdminKeyMiddleware(t *testing.T) {
	authenticator := auth.NewAuthenticator(auth.HashAPIKey("valid-key-123"))

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"admin header", auth.HeaderAdminKey, "valid-key-123", http.StatusOK},
		{"bearer", "Authorization", "Bearer valid-key-123", http.StatusOK},
		{"wrong key", auth.HeaderAdminKey, "invalid-key", http.StatusForbidden},
		{"missing", "", "", http.StatusForbidden},
		{"bearer without prefix", "Authorization", "valid-key-123", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			wrapped := AdminKeyMiddleware(authenticator)(handler)

			req := httptest.NewRequest("POST", "/admin/reset", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}

func TestAdminKeyMiddleware_NoKeyConfigured(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	})
	wrapped := AdminKeyMiddleware(nil)(handler)

	req := httptest.NewRequest("POST", "/admin/reset", nil)
	req.Header.Set(auth.HeaderAdminKey, "anything")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func newTestLogger(buf *strings.Builder) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(newTestLogger(&buf))(testHandler))

	req := httptest.NewRequest("GET", "/test-path", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	output := buf.String()
	for _, want := range []string{"request completed", "/test-path", "status=200", "request_id=req-1", "level=INFO"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in log output, got: %s", want, output)
		}
	}
}

func TestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusNotFound, "level=WARN"},
		{http.StatusBadGateway, "level=ERROR"},
	}

	for _, tt := range tests {
		var buf strings.Builder
		testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		LoggingMiddleware(newTestLogger(&buf))(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

		if !strings.Contains(buf.String(), tt.level) {
			t.Errorf("status %d: expected %s, got: %s", tt.status, tt.level, buf.String())
		}
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "chat_id", "chat-42")
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	LoggingMiddleware(newTestLogger(&buf))(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "chat_id=chat-42") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
	if strings.Contains(output, "empty_field") {
		t.Errorf("Empty field should not be in log output, got: %s", output)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("test error message"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusInternalServerError)
	})

	LoggingMiddleware(newTestLogger(&buf))(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !strings.Contains(buf.String(), `error="test error message"`) {
		t.Errorf("Expected error in log output, got: %s", buf.String())
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, expected string) {
	t.Helper()
	actual := rec.Header().Get(name)
	if actual != expected {
		t.Errorf("Header %s = %q, want %q", name, actual, expected)
	}
}
