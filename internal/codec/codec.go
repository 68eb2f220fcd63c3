// Package codec signs, verifies, and locally obfuscates license credentials.
//
// The signature (HMAC-SHA256 over the serialized credential) is the trust
// anchor. Obfuscation is reversible XOR against the hardware id and exists
// only to keep the credential file from being casually edited; it is not a
// confidentiality boundary.
package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "parklic/internal/errors"
)

// License types carried in a credential.
const (
	TypeTrial = "trial"
	TypeFull  = "full"
)

// Credential is the signed license payload held by a client. Immutable once
// signed; validations issue a fresh token instead of mutating in place.
type Credential struct {
	LicenseKey     string    `json:"license_key"`
	CustomerID     string    `json:"customer_id"`
	CustomerName   string    `json:"customer_name"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	HardwareID     string    `json:"hardware_id"`
	MaxActivations int       `json:"max_activations"`
	MaxLocations   int       `json:"max_locations"`
	Features       []string  `json:"features"`
	Version        int       `json:"version"`
	Type           string    `json:"type"`
}

// DaysRemaining returns whole days until expiry as of now, negative if past.
func (c *Credential) DaysRemaining(now time.Time) int {
	return int(c.ExpiresAt.Sub(now).Hours() / 24)
}

// Sign serializes the credential and appends an HMAC-SHA256 signature.
// Token form: base64url(body) + "." + hex(mac).
func Sign(cred Credential, secret string) (string, error) {
	body, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(body) + "." + sign(body, secret), nil
}

// Verify checks the token signature and returns the decoded credential.
// Returns ErrMalformed when the structure cannot be parsed and
// ErrInvalidSignature when the MAC does not match. Expiry is the caller's
// temporal check; an expired token verifies cleanly.
func Verify(token, secret string) (Credential, error) {
	var cred Credential

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return cred, apperrors.ErrMalformed
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return cred, apperrors.ErrMalformed
	}

	expected := sign(body, secret)
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
		return cred, apperrors.ErrInvalidSignature
	}

	if err := json.Unmarshal(body, &cred); err != nil {
		return cred, apperrors.ErrMalformed
	}
	return cred, nil
}

// Obfuscate XORs the token against the repeating key and base64-encodes the
// result for safe file storage.
func Obfuscate(token, key string) string {
	return base64.StdEncoding.EncodeToString(xor([]byte(token), key))
}

// Deobfuscate reverses Obfuscate. A blob that is not valid base64 is
// malformed; a wrong key surfaces later as a signature failure.
func Deobfuscate(blob, key string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", apperrors.ErrMalformed
	}
	return string(xor(data, key)), nil
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func xor(data []byte, key string) []byte {
	if key == "" {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
