// Package auth issues and verifies the opaque bearer credentials used by the
// four API audiences. Tokens are never stored; the database keeps only a key
// prefix for lookup and an HMAC-SHA256 digest computed with a server-side
// pepper, so a database leak does not leak usable credentials.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Audience names the credential class a token belongs to.
type Audience string

const (
	AudienceWorker   Audience = "worker"
	AudienceBuyer    Audience = "buyer"
	AudienceVerifier Audience = "verifier"
	AudienceAdmin    Audience = "admin"
)

// ErrMalformedToken is returned when a presented token does not parse.
var ErrMalformedToken = errors.New("auth: malformed token")

const (
	prefixBytes = 6
	secretBytes = 24
)

// Minter mints and verifies peppered bearer tokens.
type Minter struct {
	pepper      []byte
	allowLegacy bool
}

// NewMinter builds a Minter. allowLegacy accepts transitional plain SHA-256
// digests on verification; new tokens always use the peppered form.
func NewMinter(pepper string, allowLegacy bool) *Minter {
	return &Minter{pepper: []byte(pepper), allowLegacy: allowLegacy}
}

// Mint issues a fresh token for the audience. It returns the full token to
// hand to the caller once, plus the prefix and digest to persist.
func (m *Minter) Mint(aud Audience) (token, prefix, digest string, err error) {
	rawPrefix := make([]byte, prefixBytes)
	rawSecret := make([]byte, secretBytes)
	if _, err = rand.Read(rawPrefix); err != nil {
		return "", "", "", err
	}
	if _, err = rand.Read(rawSecret); err != nil {
		return "", "", "", err
	}
	prefix = hex.EncodeToString(rawPrefix)[:12]
	token = fmt.Sprintf("pw_%s_%s_%s", aud, prefix, hex.EncodeToString(rawSecret))
	digest = m.Digest(token)
	return token, prefix, digest, nil
}

// Digest computes the peppered HMAC digest of a full token.
func (m *Minter) Digest(token string) string {
	mac := hmac.New(sha256.New, m.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Prefix extracts the lookup prefix from a presented token.
func Prefix(token string) (Audience, string, error) {
	parts := strings.Split(token, "_")
	if len(parts) != 4 || parts[0] != "pw" {
		return "", "", ErrMalformedToken
	}
	aud := Audience(parts[1])
	switch aud {
	case AudienceWorker, AudienceBuyer, AudienceVerifier, AudienceAdmin:
	default:
		return "", "", ErrMalformedToken
	}
	if len(parts[2]) != 12 {
		return "", "", ErrMalformedToken
	}
	return aud, parts[2], nil
}

// Verify checks a presented token against a stored digest in constant time.
// legacyDigest marks rows still carrying the transitional plain SHA-256 form.
func (m *Minter) Verify(token, storedDigest string, legacyDigest bool) bool {
	if storedDigest == "" {
		return false
	}
	if legacyDigest {
		if !m.allowLegacy {
			return false
		}
		sum := sha256.Sum256([]byte(token))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(storedDigest)) == 1
	}
	return subtle.ConstantTimeCompare([]byte(m.Digest(token)), []byte(storedDigest)) == 1
}

// VerifyStatic checks a token against a configured allow-list (admin and
// verifier credentials come from config, not the database).
func VerifyStatic(token string, allowed []string) bool {
	ok := false
	for _, candidate := range allowed {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			ok = true
		}
	}
	return ok
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return "", false
	}
	token := strings.TrimSpace(header[len(scheme):])
	return token, token != ""
}
