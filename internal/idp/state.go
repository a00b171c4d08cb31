package idp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// State errors.
var (
	ErrStateInvalid = errors.New("state parameter is invalid")
	ErrStateExpired = errors.New("state parameter has expired")
)

// StateTTL bounds how long a round trip through the IdP may take.
const StateTTL = 10 * time.Minute

// State carries the pending authorization request through the IdP redirect.
// It is HMAC-signed so the callback can trust its contents without server-side
// session storage.
type State struct {
	AgentID             string   `json:"agent_id"`
	Scopes              []string `json:"scopes"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Nonce               string   `json:"nonce"`
	ExpiresAt           int64    `json:"exp"`
}

// EncodeState signs and serializes a state payload. A fresh nonce and expiry
// are stamped on every call.
func EncodeState(secret []byte, st State) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	st.Nonce = hex.EncodeToString(nonce)
	st.ExpiresAt = time.Now().Add(StateTTL).Unix()

	payload, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + signState(secret, body), nil
}

// DecodeState verifies the signature and expiry of an encoded state value.
func DecodeState(secret []byte, encoded string, now time.Time) (*State, error) {
	body, sig, ok := strings.Cut(encoded, ".")
	if !ok {
		return nil, ErrStateInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(signState(secret, body))) {
		return nil, ErrStateInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrStateInvalid
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, ErrStateInvalid
	}
	if now.Unix() > st.ExpiresAt {
		return nil, ErrStateExpired
	}
	return &st, nil
}

func signState(secret []byte, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
