package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts is the number of failed signatures before a client is
// disconnected.
const maxAuthAttempts = 3

// Authenticator implements HMAC-SHA256 challenge-response authentication
// against a shared secret.
type Authenticator struct {
	secret string
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Challenge generates a cryptographically random 32-byte challenge.
func (a *Authenticator) Challenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Verify checks an HMAC-SHA256 signature over the challenge. Constant-time
// comparison.
func (a *Authenticator) Verify(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.secret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Sign computes the signature a client must present for a challenge. Used
// by the CLI client and tests.
func (a *Authenticator) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// handleAuth processes a client's challenge response, tracking failed
// attempts. The second return value reports whether the connection should
// be dropped.
func (a *Authenticator) handleAuth(client *Client, signature string) (AuthResult, bool) {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge issued"}, true
	}

	if !a.Verify(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}, true
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}, false
	}

	client.Authenticated = true
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: "auth.success", Success: true}, false
}
