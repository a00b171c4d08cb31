package token

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// VerifyPKCE checks a code verifier against the challenge recorded at
// authorization time (RFC 7636). A recorded challenge makes the verifier
// mandatory; with no challenge recorded the exchange stays backwards
// compatible and the verifier is ignored.
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrPKCERequired
	}

	switch method {
	case "plain":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
	default: // S256 is the default per RFC 7636 section 4.3
		if subtle.ConstantTimeCompare([]byte(oauth2.S256ChallengeFromVerifier(verifier)), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
	}
	return nil
}

// S256Challenge computes the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewPKCEVerifier generates a random RFC 7636 code verifier.
func NewPKCEVerifier() string {
	return oauth2.GenerateVerifier()
}
