package resourceserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// IntrospectionResult mirrors the authorization server's introspection
// answer.
type IntrospectionResult struct {
	Active       bool     `json:"active"`
	TokenType    string   `json:"token_type"`
	Subject      string   `json:"sub"`
	Actor        string   `json:"actor"`
	Scope        []string `json:"scope"`
	ExpiresAt    int64    `json:"exp"`
	DelegationID string   `json:"delegation_id"`
}

// Introspector validates tokens against the authorization server over HTTP.
// Transient transport failures get one jittered retry; the caller sees an
// error only when both attempts fail.
type Introspector struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewIntrospector creates an introspection client for the given endpoint URL.
func NewIntrospector(endpoint string, logger *zap.Logger) (*Introspector, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("introspection endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Second},
		logger:   logger,
	}, nil
}

// Introspect posts the token to the introspection endpoint.
func (i *Introspector) Introspect(ctx context.Context, token string) (*IntrospectionResult, error) {
	operation := func() (*IntrospectionResult, error) {
		return i.introspectOnce(ctx, token)
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (i *Introspector) introspectOnce(ctx context.Context, token string) (*IntrospectionResult, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Warn("Token introspection request failed", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		i.logger.Warn("Token introspection returned non-OK status", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var result IntrospectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode introspection response: %w", err))
	}
	return &result, nil
}
