package dpop

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// signProof builds a DPoP proof JWT with the public key embedded in the
// header, the way a client would.
func signProof(t *testing.T, key *rsa.PrivateKey, typ, htm, htu, jti string, iat time.Time) string {
	t.Helper()

	pub, err := jwk.Import(key.Public())
	require.NoError(t, err)
	raw, err := json.Marshal(pub)
	require.NoError(t, err)
	var jwkHeader map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &jwkHeader))

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"htm": htm,
		"htu": htu,
		"jti": jti,
		"iat": iat.Unix(),
	})
	tok.Header["typ"] = typ
	tok.Header["jwk"] = jwkHeader

	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifyValidProof(t *testing.T) {
	v := NewVerifier(Config{})
	key := testKey(t)
	now := time.Now()

	proof := signProof(t, key, "dpop+jwt", "GET", "http://localhost:6000/data", "proof-1", now)
	assert.NoError(t, v.Verify(proof, "GET", "http://localhost:6000/data", now))
}

func TestVerifyRejects(t *testing.T) {
	key := testKey(t)
	now := time.Now()
	target := "http://localhost:6000/data"

	tests := []struct {
		name    string
		proof   func() string
		method  string
		url     string
		at      time.Time
		wantErr error
	}{
		{
			name:    "missing proof",
			proof:   func() string { return "" },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofInvalid,
		},
		{
			name:    "wrong typ header",
			proof:   func() string { return signProof(t, key, "JWT", "GET", target, "p-typ", now) },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofInvalid,
		},
		{
			name:    "method mismatch",
			proof:   func() string { return signProof(t, key, "dpop+jwt", "POST", target, "p-htm", now) },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofInvalid,
		},
		{
			name:    "url mismatch",
			proof:   func() string { return signProof(t, key, "dpop+jwt", "GET", "http://localhost:6000/other", "p-htu", now) },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofInvalid,
		},
		{
			name:    "stale iat",
			proof:   func() string { return signProof(t, key, "dpop+jwt", "GET", target, "p-old", now.Add(-time.Hour)) },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofStale,
		},
		{
			name:    "future iat",
			proof:   func() string { return signProof(t, key, "dpop+jwt", "GET", target, "p-future", now.Add(time.Hour)) },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofStale,
		},
		{
			name:    "missing jti",
			proof:   func() string { return signProof(t, key, "dpop+jwt", "GET", target, "", now) },
			method:  "GET",
			url:     target,
			at:      now,
			wantErr: ErrProofInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(Config{})
			err := v.Verify(tt.proof(), tt.method, tt.url, tt.at)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyQueryIgnored(t *testing.T) {
	v := NewVerifier(Config{})
	key := testKey(t)
	now := time.Now()

	proof := signProof(t, key, "dpop+jwt", "GET", "http://localhost:6000/data", "p-query", now)
	assert.NoError(t, v.Verify(proof, "GET", "http://localhost:6000/data?detail=full", now))
}

func TestVerifyReplay(t *testing.T) {
	v := NewVerifier(Config{})
	key := testKey(t)
	now := time.Now()
	target := "http://localhost:6000/data"

	proof := signProof(t, key, "dpop+jwt", "GET", target, "replayed-jti", now)
	require.NoError(t, v.Verify(proof, "GET", target, now))

	err := v.Verify(proof, "GET", target, now)
	assert.ErrorIs(t, err, ErrProofReplayed)
}

func TestReplaySetEviction(t *testing.T) {
	v := NewVerifier(Config{MaxSkew: time.Minute})
	key := testKey(t)
	now := time.Now()
	target := "http://localhost:6000/data"

	proof := signProof(t, key, "dpop+jwt", "GET", target, "evicted-jti", now)
	require.NoError(t, v.Verify(proof, "GET", target, now))

	// Outside the acceptance window the jti is evicted, but the proof itself
	// is then stale, so a replay still fails.
	err := v.Verify(proof, "GET", target, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrProofStale)
}

func TestReplaySetSaturation(t *testing.T) {
	v := NewVerifier(Config{MaxEntries: 2})
	key := testKey(t)
	now := time.Now()
	target := "http://localhost:6000/data"

	for i, jti := range []string{"sat-1", "sat-2"} {
		proof := signProof(t, key, "dpop+jwt", "GET", target, jti, now)
		require.NoError(t, v.Verify(proof, "GET", target, now), "proof %d", i)
	}

	proof := signProof(t, key, "dpop+jwt", "GET", target, "sat-3", now)
	assert.ErrorIs(t, v.Verify(proof, "GET", target, now), ErrProofReplayed)
}
