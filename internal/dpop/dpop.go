// Package dpop verifies per-request proof-of-possession tokens (RFC 9449).
// A proof binds a token presentation to one HTTP method and URL and is signed
// with a client-held key whose public part rides in the proof header.
package dpop

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
)

// HeaderName is the request header carrying the proof.
const HeaderName = "DPoP"

// Error kinds surfaced to the resource endpoint.
var (
	ErrProofInvalid  = errors.New("dpop proof invalid")
	ErrProofStale    = errors.New("dpop proof timestamp outside acceptance window")
	ErrProofReplayed = errors.New("dpop proof jti already seen")
)

// Verifier validates DPoP proofs and suppresses replays within a sliding
// window. The replay set is an independent lock domain with time-based
// eviction.
type Verifier struct {
	maxSkew    time.Duration
	maxEntries int
	logger     *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// Config configures a DPoP verifier.
type Config struct {
	// MaxSkew bounds |now - iat|; defaults to 5 minutes.
	MaxSkew time.Duration
	// MaxEntries bounds the replay set; defaults to 10000.
	MaxEntries int
	Logger     *zap.Logger
}

// NewVerifier creates a DPoP verifier.
func NewVerifier(cfg Config) *Verifier {
	if cfg.MaxSkew == 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Verifier{
		maxSkew:    cfg.MaxSkew,
		maxEntries: cfg.MaxEntries,
		logger:     cfg.Logger,
		seen:       make(map[string]time.Time),
	}
}

type proofClaims struct {
	jwt.RegisteredClaims
	HTTPMethod string `json:"htm"`
	HTTPUri    string `json:"htu"`
}

// Verify checks a proof against the request's method and absolute URL.
func (v *Verifier) Verify(proof, method, requestURL string, now time.Time) error {
	if proof == "" {
		return fmt.Errorf("%w: missing proof", ErrProofInvalid)
	}

	claims := &proofClaims{}
	tok, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (interface{}, error) {
		if typ, _ := t.Header["typ"].(string); typ != "dpop+jwt" {
			return nil, fmt.Errorf("unexpected typ header: %q", typ)
		}
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKeyFromHeader(t.Header)
	}, jwt.WithoutClaimsValidation())
	if err != nil || !tok.Valid {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}

	if !strings.EqualFold(claims.HTTPMethod, method) {
		return fmt.Errorf("%w: htm %q does not match %s", ErrProofInvalid, claims.HTTPMethod, method)
	}
	if !sameURL(claims.HTTPUri, requestURL) {
		return fmt.Errorf("%w: htu %q does not match %s", ErrProofInvalid, claims.HTTPUri, requestURL)
	}

	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing iat", ErrProofInvalid)
	}
	if d := now.Sub(claims.IssuedAt.Time); d > v.maxSkew || d < -v.maxSkew {
		return ErrProofStale
	}

	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", ErrProofInvalid)
	}
	if !v.remember(claims.ID, now) {
		v.logger.Warn("DPoP replay detected", zap.String("jti", claims.ID), zap.String("htu", claims.HTTPUri))
		return ErrProofReplayed
	}
	return nil
}

// remember records a jti, evicting entries older than the acceptance window.
// Returns false when the jti was already present.
func (v *Verifier) remember(jti string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	cutoff := now.Add(-v.maxSkew)
	for id, seen := range v.seen {
		if seen.Before(cutoff) {
			delete(v.seen, id)
		}
	}

	if _, dup := v.seen[jti]; dup {
		return false
	}
	if len(v.seen) >= v.maxEntries {
		// Saturated window: refuse rather than forget proofs.
		return false
	}
	v.seen[jti] = now
	return true
}

// publicKeyFromHeader extracts the embedded public JWK from the proof header.
func publicKeyFromHeader(header map[string]interface{}) (interface{}, error) {
	raw, ok := header["jwk"]
	if !ok {
		return nil, errors.New("missing jwk header")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode jwk header: %w", err)
	}
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwk header: %w", err)
	}
	var pub interface{}
	if err := jwk.Export(key, &pub); err != nil {
		return nil, fmt.Errorf("export jwk: %w", err)
	}
	return pub, nil
}

// sameURL compares htu with the request URL per RFC 9449: scheme and host
// case-insensitive, query and fragment ignored.
func sameURL(htu, requestURL string) bool {
	a, err := url.Parse(htu)
	if err != nil {
		return false
	}
	b, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		a.Path == b.Path
}
