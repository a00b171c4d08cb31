package token

import "errors"

// Error kinds surfaced by signing, verification and PKCE checks. Handlers map
// these onto the HTTP error taxonomy.
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrBadSignature   = errors.New("token signature verification failed")
	ErrWrongAlgorithm = errors.New("token signed with unexpected algorithm")
	ErrMissingClaims  = errors.New("token is missing required claims")

	ErrPKCERequired = errors.New("code verifier required")
	ErrPKCEMismatch = errors.New("code verifier does not match challenge")
)
