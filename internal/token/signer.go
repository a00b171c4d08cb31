// Package token mints and verifies the signed credentials of the delegation
// protocol: delegation tokens (proof that a delegation exists) and access
// tokens (bearer credentials presented to resources).
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DelegationClaims is the claim set of a delegation token. Subject carries
// the agent id; Delegator the user on whose behalf the agent acts.
type DelegationClaims struct {
	jwt.RegisteredClaims
	Delegator           string   `json:"delegator"`
	Scope               []string `json:"scope"`
	DelegationID        string   `json:"delegation_id"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
}

// AccessClaims is the claim set of an access token. Subject carries the user
// id; Actor the agent acting on the user's behalf.
type AccessClaims struct {
	jwt.RegisteredClaims
	Actor        string   `json:"actor"`
	Scope        []string `json:"scope"`
	DelegationID string   `json:"delegation_id"`
}

// Signer mints and verifies HS256 credentials with a pinned algorithm.
// The secret and method are immutable after construction. Verification
// applies zero clock-skew leeway.
type Signer struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
}

// NewSigner creates a Signer. Only HS256 is accepted; the algorithm is pinned
// so forged headers cannot downgrade verification.
func NewSigner(secret string, algorithm string, issuer string) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signing secret must be at least 32 bytes (got %d)", len(secret))
	}
	if algorithm != "HS256" {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &Signer{
		secret: []byte(secret),
		method: jwt.SigningMethodHS256,
		issuer: issuer,
	}, nil
}

// Issuer returns the iss value stamped on minted tokens.
func (s *Signer) Issuer() string { return s.issuer }

// SignDelegation signs a delegation claim set. iat and exp must be set.
func (s *Signer) SignDelegation(claims *DelegationClaims) (string, error) {
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return "", fmt.Errorf("%w: exp and iat are required", ErrMissingClaims)
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
}

// SignAccess signs an access claim set. iat and exp must be set.
func (s *Signer) SignAccess(claims *AccessClaims) (string, error) {
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return "", fmt.Errorf("%w: exp and iat are required", ErrMissingClaims)
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
}

// VerifyDelegation parses and verifies a delegation token.
func (s *Signer) VerifyDelegation(tokenString string) (*DelegationClaims, error) {
	claims := &DelegationClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyAccess parses and verifies an access token.
func (s *Signer) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRaw parses and verifies a token of either type, returning the raw
// claim set. Introspection uses this to classify tokens by shape.
func (s *Signer) VerifyRaw(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) verify(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return ErrTokenMalformed
	}

	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		// Pin the configured algorithm. "none" and any HMAC variant other
		// than HS256 are rejected here before signature checking.
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("%w: got %s", ErrWrongAlgorithm, t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		switch {
		case errors.Is(err, ErrWrongAlgorithm):
			return ErrWrongAlgorithm
		case errors.Is(err, jwt.ErrTokenExpired):
			return ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return ErrBadSignature
		case errors.Is(err, jwt.ErrTokenMalformed):
			return ErrTokenMalformed
		default:
			return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}
	if !tok.Valid {
		return ErrBadSignature
	}
	return nil
}

// NewJTI returns a token id with the conventional type prefix
// ("del" for delegation tokens, "acc" for access tokens).
func NewJTI(prefix string) string {
	b := make([]byte, 4)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

// NewNumericDate wraps a time.Time for claim construction.
func NewNumericDate(t time.Time) *jwt.NumericDate {
	return jwt.NewNumericDate(t)
}
