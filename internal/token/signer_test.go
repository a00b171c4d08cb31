package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, "HS256", "http://localhost:5000")
	require.NoError(t, err)
	return s
}

func delegationClaims(exp time.Time) *DelegationClaims {
	now := time.Now()
	return &DelegationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "http://localhost:5000",
			Subject:   "agent-1234",
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        NewJTI("del"),
		},
		Delegator:    "alice",
		Scope:        []string{"calendar:read"},
		DelegationID: "delegation-abcd1234",
	}
}

func TestNewSigner(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		algorithm string
		wantErr   bool
	}{
		{"valid", testSecret, "HS256", false},
		{"short secret", "too-short", "HS256", true},
		{"unsupported algorithm", testSecret, "RS256", true},
		{"none algorithm", testSecret, "none", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.secret, tt.algorithm, "http://localhost:5000")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSignAndVerifyDelegation(t *testing.T) {
	s := newTestSigner(t)

	signed, err := s.SignDelegation(delegationClaims(time.Now().Add(10 * time.Minute)))
	require.NoError(t, err)

	claims, err := s.VerifyDelegation(signed)
	require.NoError(t, err)
	assert.Equal(t, "agent-1234", claims.Subject)
	assert.Equal(t, "alice", claims.Delegator)
	assert.Equal(t, []string{"calendar:read"}, claims.Scope)
	assert.True(t, strings.HasPrefix(claims.ID, "del-"))
}

func TestSignAndVerifyAccess(t *testing.T) {
	s := newTestSigner(t)
	now := time.Now()

	signed, err := s.SignAccess(&AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "http://localhost:5000",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        NewJTI("acc"),
		},
		Actor:        "agent-1234",
		Scope:        []string{"calendar:read"},
		DelegationID: "delegation-abcd1234",
	})
	require.NoError(t, err)

	claims, err := s.VerifyAccess(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "agent-1234", claims.Actor)
	assert.True(t, strings.HasPrefix(claims.ID, "acc-"))
}

func TestSignRequiresExpAndIat(t *testing.T) {
	s := newTestSigner(t)

	_, err := s.SignDelegation(&DelegationClaims{Delegator: "alice"})
	assert.ErrorIs(t, err, ErrMissingClaims)

	_, err = s.SignAccess(&AccessClaims{Actor: "agent-1234"})
	assert.ErrorIs(t, err, ErrMissingClaims)
}

func TestVerifyExpired(t *testing.T) {
	s := newTestSigner(t)

	signed, err := s.SignDelegation(delegationClaims(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	_, err = s.VerifyDelegation(signed)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyWrongSecret(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewSigner("another-secret-0123456789abcdef01234", "HS256", "http://localhost:5000")
	require.NoError(t, err)

	signed, err := other.SignDelegation(delegationClaims(time.Now().Add(10 * time.Minute)))
	require.NoError(t, err)

	_, err = s.VerifyDelegation(signed)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyMalformed(t *testing.T) {
	s := newTestSigner(t)

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := s.VerifyDelegation(tok)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", tok)
	}
}

// Forged tokens carrying a different algorithm header must never verify,
// regardless of how plausible the signature looks.
func TestAlgorithmConfusion(t *testing.T) {
	s := newTestSigner(t)
	claims := delegationClaims(time.Now().Add(10 * time.Minute))

	t.Run("none algorithm", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
		signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = s.VerifyDelegation(signed)
		assert.ErrorIs(t, err, ErrWrongAlgorithm)
	})

	t.Run("HS384 downgrade", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS384, claims)
		signed, err := tok.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = s.VerifyDelegation(signed)
		assert.ErrorIs(t, err, ErrWrongAlgorithm)
	})

	t.Run("RS256 with attacker key", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		signed, err := tok.SignedString(key)
		require.NoError(t, err)

		_, err = s.VerifyDelegation(signed)
		assert.ErrorIs(t, err, ErrWrongAlgorithm)
	})

	t.Run("header swapped to none on a valid token", func(t *testing.T) {
		signed, err := s.SignDelegation(claims)
		require.NoError(t, err)

		parts := strings.Split(signed, ".")
		require.Len(t, parts, 3)
		parts[0] = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

		_, err = s.VerifyDelegation(strings.Join(parts[:2], ".") + ".")
		assert.Error(t, err)
	})
}

func TestNewJTIPrefixes(t *testing.T) {
	del := NewJTI("del")
	acc := NewJTI("acc")

	assert.Regexp(t, `^del-[0-9a-f]{8}$`, del)
	assert.Regexp(t, `^acc-[0-9a-f]{8}$`, acc)
	assert.NotEqual(t, NewJTI("del"), NewJTI("del"))
}
