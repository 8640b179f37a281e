package auth

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "simple key",
			apiKey:   "test-key-123",
			expected: "625faa3fbbc3d2bd9d6ee7678d04cc5339cb33dc68d9b58451853d60046e226a",
		},
		{
			name:     "empty key",
			apiKey:   "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := HashAPIKey(tt.apiKey)
			if hash != tt.expected {
				t.Errorf("HashAPIKey() = %v, want %v", hash, tt.expected)
			}
		})
	}
}

func TestAuthenticator_Validate(t *testing.T) {
	a := NewAuthenticator(HashAPIKey("admin-1"), strings.ToUpper(HashAPIKey("admin-2")), "")

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"first key", "admin-1", nil},
		{"upper-case hash in config", "admin-2", nil},
		{"wrong key", "admin-3", ErrInvalidKey},
		{"empty key", "", ErrMissingKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator_NoKeysRejectsEverything(t *testing.T) {
	for _, a := range []*Authenticator{nil, NewAuthenticator(), NewAuthenticator("  ")} {
		if a.Enabled() {
			t.Fatal("Enabled() = true with no hashes")
		}
		if err := a.Validate("anything"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Validate() = %v, want ErrInvalidKey", err)
		}
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
		wantErr bool
	}{
		{"admin header", map[string]string{HeaderAdminKey: "k1"}, "k1", false},
		{"admin header wins", map[string]string{HeaderAdminKey: "k1", "Authorization": "Bearer k2"}, "k1", false},
		{"bearer", map[string]string{"Authorization": "Bearer k2"}, "k2", false},
		{"lower-case bearer", map[string]string{"Authorization": "bearer k3"}, "k3", false},
		{"missing", nil, "", true},
		{"no scheme", map[string]string{"Authorization": "k4"}, "", true},
		{"basic", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "/admin/reset", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			got, err := ExtractAPIKey(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
