// Package auth checks the admin key that guards destructive endpoints.
// Keys are never stored; the process is configured with their SHA-256.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// HeaderAdminKey carries the admin key. A Bearer Authorization header is
// accepted as well.
const HeaderAdminKey = "X-Admin-Key"

var (
	ErrMissingKey = errors.New("missing admin key")
	ErrInvalidKey = errors.New("invalid admin key")
)

// Authenticator validates admin keys against a set of hashes.
type Authenticator struct {
	hashes [][]byte
}

// NewAuthenticator creates an authenticator accepting any key whose hash is
// in keyHashes. Empty hashes are ignored; with none left, every key is
// rejected.
func NewAuthenticator(keyHashes ...string) *Authenticator {
	a := &Authenticator{}
	for _, h := range keyHashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.hashes) > 0
}

// Validate checks key against every configured hash in constant time.
func (a *Authenticator) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	if !a.Enabled() {
		return ErrInvalidKey
	}
	sum := []byte(HashAPIKey(key))
	match := 0
	for _, h := range a.hashes {
		match |= subtle.ConstantTimeCompare(sum, h)
	}
	if match != 1 {
		return ErrInvalidKey
	}
	return nil
}

// ExtractAPIKey reads the admin key from X-Admin-Key, falling back to a
// Bearer Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAdminKey)); key != "" {
		return key, nil
	}

	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", ErrMissingKey
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("unsupported authorization scheme")
	}
	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey returns the hex SHA-256 of key, the form kept in config.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
