// Package engine orchestrates the delegation lifecycle: create, approve or
// deny, token minting and exchange, revocation and introspection. It is the
// only component that mutates delegation status and the token sets.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/adp-engine/go-core/internal/metrics"
	"github.com/adp-engine/go-core/internal/revocation"
	"github.com/adp-engine/go-core/internal/store"
	"github.com/adp-engine/go-core/internal/token"
	"github.com/adp-engine/go-core/pkg/types"
)

// Config configures the engine.
type Config struct {
	DelegationTTL time.Duration
	AccessTTL     time.Duration
}

// Engine owns the delegation state machine.
type Engine struct {
	store     *store.Store
	signer    *token.Signer
	blacklist *revocation.Blacklist
	metrics   *metrics.Metrics
	logger    *zap.Logger

	delegationTTL time.Duration
	accessTTL     time.Duration

	// now is replaceable in tests
	now func() time.Time
}

// New creates a delegation engine.
func New(cfg Config, st *store.Store, signer *token.Signer, blacklist *revocation.Blacklist, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if blacklist == nil {
		blacklist = revocation.NewBlacklist(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DelegationTTL == 0 {
		cfg.DelegationTTL = 10 * time.Minute
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 5 * time.Minute
	}
	return &Engine{
		store:         st,
		signer:        signer,
		blacklist:     blacklist,
		metrics:       m,
		logger:        logger,
		delegationTTL: cfg.DelegationTTL,
		accessTTL:     cfg.AccessTTL,
		now:           time.Now,
	}, nil
}

// CreateDelegation records a pending delegation request after validating the
// agent, the user and the requested scopes.
func (e *Engine) CreateDelegation(ctx context.Context, agentID, userID string, scopes []string, pkceChallenge, pkceMethod string) (*types.Delegation, error) {
	agent, err := e.store.GetAgent(agentID)
	if err != nil {
		return nil, ErrAgentUnknown
	}
	if !agent.Active() {
		return nil, ErrAgentInactive
	}
	if _, err := e.store.GetUser(userID); err != nil {
		return nil, ErrUserUnknown
	}
	if !agent.AllowsScopes(scopes) {
		e.deny("scope_denied", userID, agentID, "")
		return nil, ErrScopeDenied
	}

	now := e.now().UTC()
	d := &types.Delegation{
		AgentID:       agentID,
		UserID:        userID,
		Scopes:        append([]string(nil), scopes...),
		Status:        types.DelegationPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.delegationTTL),
		PKCEChallenge: pkceChallenge,
		PKCEMethod:    pkceMethod,
	}
	created, err := e.store.CreateDelegation(d)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Delegation requested",
		zap.String("delegation_id", created.ID),
		zap.String("agent_id", agentID),
		zap.String("user_id", userID),
		zap.Strings("scopes", scopes),
	)
	return created, nil
}

// Approve moves a pending delegation to approved and mints its delegation
// token. Only pending delegations inside their validity window qualify; the
// token attachment and the agent's usage counters commit atomically.
func (e *Engine) Approve(ctx context.Context, id string) (*types.Delegation, string, error) {
	d, err := e.getLazyExpired(id)
	if err != nil {
		return nil, "", err
	}
	switch d.Status {
	case types.DelegationPending:
	case types.DelegationExpired:
		return nil, "", ErrDelegationExpired
	case types.DelegationRevoked:
		return nil, "", ErrDelegationRevoked
	default:
		return nil, "", ErrDelegationNotApproved
	}

	now := e.now().UTC()
	tokenString, err := e.mintDelegationToken(d, now)
	if err != nil {
		return nil, "", err
	}

	approved, err := e.store.ApproveDelegation(id, tokenString, now)
	if err != nil {
		return nil, "", mapStoreErr(err)
	}
	if e.metrics != nil {
		e.metrics.TokensIssued.WithLabelValues("delegation").Inc()
	}
	e.logger.Info("Delegation approved", zap.String("delegation_id", id), zap.String("agent_id", approved.AgentID))
	return approved, tokenString, nil
}

// Deny rejects a pending delegation.
func (e *Engine) Deny(ctx context.Context, id string) (*types.Delegation, error) {
	d, err := e.getLazyExpired(id)
	if err != nil {
		return nil, err
	}
	if d.Status != types.DelegationPending {
		return nil, ErrDelegationNotApproved
	}
	denied, err := e.store.DenyDelegation(id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	e.logger.Info("Delegation denied", zap.String("delegation_id", id))
	return denied, nil
}

// Authorize is the single-step path behind GET /authorize: it creates a
// delegation for a known user and active agent and approves it immediately,
// returning the signed delegation token.
func (e *Engine) Authorize(ctx context.Context, userID, agentID string, scopes []string, pkceChallenge, pkceMethod string) (*types.Delegation, string, error) {
	d, err := e.CreateDelegation(ctx, agentID, userID, scopes, pkceChallenge, pkceMethod)
	if err != nil {
		return nil, "", err
	}
	return e.Approve(ctx, d.ID)
}

// Exchange validates a delegation token plus PKCE verifier and mints an
// access token. Repeated exchanges are allowed; every call produces a fresh
// jti and earlier access tokens stay valid until their own expiry.
func (e *Engine) Exchange(ctx context.Context, delegationToken, codeVerifier string) (string, *token.AccessClaims, error) {
	claims, err := e.signer.VerifyDelegation(delegationToken)
	if err != nil {
		e.deny("token_"+denialReason(err), "", "", "")
		return "", nil, err
	}
	if e.store.IsRevoked(delegationToken) {
		e.deny("token_revoked", claims.Delegator, claims.Subject, claims.DelegationID)
		return "", nil, ErrTokenRevoked
	}

	d, err := e.getLazyExpired(claims.DelegationID)
	if err != nil {
		return "", nil, err
	}
	switch d.Status {
	case types.DelegationApproved:
	case types.DelegationRevoked:
		e.deny("delegation_revoked", d.UserID, d.AgentID, d.ID)
		return "", nil, ErrDelegationRevoked
	case types.DelegationExpired:
		e.deny("delegation_expired", d.UserID, d.AgentID, d.ID)
		return "", nil, ErrDelegationExpired
	default:
		e.deny("delegation_not_approved", d.UserID, d.AgentID, d.ID)
		return "", nil, ErrDelegationNotApproved
	}

	// The challenge recorded on the delegation is authoritative; the token
	// carries a copy so the exchange also works against the signed claims.
	challenge, method := d.PKCEChallenge, d.PKCEMethod
	if challenge == "" {
		challenge, method = claims.CodeChallenge, claims.CodeChallengeMethod
	}
	if err := token.VerifyPKCE(challenge, method, codeVerifier); err != nil {
		e.deny("pkce", d.UserID, d.AgentID, d.ID)
		return "", nil, err
	}

	now := e.now().UTC()
	exp := now.Add(e.accessTTL)
	if exp.After(d.ExpiresAt) {
		exp = d.ExpiresAt
	}
	access := &token.AccessClaims{
		RegisteredClaims: registered(e.signer.Issuer(), d.UserID, token.NewJTI("acc"), now, exp),
		Actor:            d.AgentID,
		Scope:            append([]string(nil), d.Scopes...),
		DelegationID:     d.ID,
	}
	accessToken, err := e.signer.SignAccess(access)
	if err != nil {
		return "", nil, err
	}
	if err := e.store.AttachAccessToken(d.ID, accessToken, exp); err != nil {
		return "", nil, mapStoreErr(err)
	}
	if e.metrics != nil {
		e.metrics.TokensIssued.WithLabelValues("access").Inc()
	}
	e.logger.Info("Access token minted",
		zap.String("delegation_id", d.ID),
		zap.String("agent_id", d.AgentID),
		zap.String("user_id", d.UserID),
		zap.Time("expires_at", exp),
	)
	return accessToken, access, nil
}

// RevokeToken places a token string in the revocation set. Idempotent and
// always successful for well-formed requests; unparseable tokens are still
// recorded so the same string can never be replayed.
func (e *Engine) RevokeToken(ctx context.Context, tokenString string) error {
	if err := e.store.MarkRevoked(tokenString); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.TokensRevoked.Inc()
	}

	// Mirror by jti when the token parses, so resource-side checks against
	// the blacklist see the revocation without a store round trip.
	if claims, err := e.signer.VerifyRaw(tokenString); err == nil {
		jti, _ := claims["jti"].(string)
		if exp, err := claims.GetExpirationTime(); err == nil && jti != "" {
			if err := e.blacklist.Revoke(ctx, jti, exp.Time); err != nil {
				e.logger.Warn("Failed to mirror revocation to blacklist", zap.Error(err), zap.String("jti", jti))
			}
		}
	}
	return nil
}

// RevokeDelegation revokes a pending or approved delegation together with
// its outstanding tokens.
func (e *Engine) RevokeDelegation(ctx context.Context, id string) (*types.Delegation, error) {
	d, tokens, err := e.store.RevokeDelegation(id, e.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotActive) {
			return nil, ErrDelegationNotApproved
		}
		return nil, mapStoreErr(err)
	}
	e.mirrorRevocations(ctx, tokens)
	if e.metrics != nil {
		e.metrics.TokensRevoked.Add(float64(len(tokens)))
	}
	e.logger.Info("Delegation revoked", zap.String("delegation_id", id), zap.Int("tokens_revoked", len(tokens)))
	return d, nil
}

// DeleteAgent removes an agent, revoking all of its live delegations first.
func (e *Engine) DeleteAgent(ctx context.Context, id string) error {
	tokens, err := e.store.DeleteAgent(id)
	if err != nil {
		return mapStoreErr(err)
	}
	e.mirrorRevocations(ctx, tokens)
	e.logger.Info("Agent deleted", zap.String("agent_id", id), zap.Int("tokens_revoked", len(tokens)))
	return nil
}

// Introspection is the answer to an introspect call. Claims are present only
// when the token is active.
type Introspection struct {
	Active       bool     `json:"active"`
	TokenType    string   `json:"token_type,omitempty"`
	Issuer       string   `json:"iss,omitempty"`
	Subject      string   `json:"sub,omitempty"`
	Actor        string   `json:"actor,omitempty"`
	Delegator    string   `json:"delegator,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	ExpiresAt    int64    `json:"exp,omitempty"`
	IssuedAt     int64    `json:"iat,omitempty"`
	JTI          string   `json:"jti,omitempty"`
	DelegationID string   `json:"delegation_id,omitempty"`
}

// Introspect reports whether a token is currently active: signature valid,
// unexpired, not revoked, and its delegation still resolves to an approved
// record. Inactive answers never explain why.
func (e *Engine) Introspect(ctx context.Context, tokenString string) *Introspection {
	inactive := &Introspection{Active: false}

	claims, err := e.signer.VerifyRaw(tokenString)
	if err != nil {
		e.observeIntrospection(false)
		return inactive
	}
	if e.store.IsRevoked(tokenString) {
		e.observeIntrospection(false)
		return inactive
	}
	jti, _ := claims["jti"].(string)
	if jti != "" && e.blacklist.Enabled() {
		if revoked, err := e.blacklist.IsRevoked(ctx, jti); err == nil && revoked {
			e.observeIntrospection(false)
			return inactive
		}
	}

	delegationID, _ := claims["delegation_id"].(string)
	if delegationID != "" {
		d, err := e.getLazyExpired(delegationID)
		if err != nil || d.Status != types.DelegationApproved {
			e.observeIntrospection(false)
			return inactive
		}
	}

	out := &Introspection{Active: true, JTI: jti, DelegationID: delegationID}
	out.Issuer, _ = claims["iss"].(string)
	out.Subject, _ = claims["sub"].(string)
	out.Actor, _ = claims["actor"].(string)
	out.Delegator, _ = claims["delegator"].(string)
	out.Scope = stringSlice(claims["scope"])
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Unix()
	}
	if out.Actor != "" {
		out.TokenType = "access"
	} else {
		out.TokenType = "delegation"
	}
	e.observeIntrospection(true)
	return out
}

// Store exposes the backing store for read-side handlers.
func (e *Engine) Store() *store.Store { return e.store }

// Signer exposes the token signer for handlers that need claim inspection.
func (e *Engine) Signer() *token.Signer { return e.signer }

// ---------------------------------------------------------------------------

// getLazyExpired loads a delegation, demoting it to expired first when its
// window has passed.
func (e *Engine) getLazyExpired(id string) (*types.Delegation, error) {
	d, err := e.store.GetDelegation(id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if d.Expired(e.now()) && (d.Status == types.DelegationPending || d.Status == types.DelegationApproved) {
		if d, err = e.store.MarkDelegationExpired(id); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (e *Engine) mintDelegationToken(d *types.Delegation, now time.Time) (string, error) {
	claims := &token.DelegationClaims{
		RegisteredClaims:    registered(e.signer.Issuer(), d.AgentID, token.NewJTI("del"), now, d.ExpiresAt),
		Delegator:           d.UserID,
		Scope:               append([]string(nil), d.Scopes...),
		DelegationID:        d.ID,
		CodeChallenge:       d.PKCEChallenge,
		CodeChallengeMethod: d.PKCEMethod,
	}
	return e.signer.SignDelegation(claims)
}

func (e *Engine) mirrorRevocations(ctx context.Context, tokens []string) {
	batch := make(map[string]time.Time, len(tokens))
	for _, t := range tokens {
		if claims, err := e.signer.VerifyRaw(t); err == nil {
			jti, _ := claims["jti"].(string)
			if exp, err := claims.GetExpirationTime(); err == nil && jti != "" {
				batch[jti] = exp.Time
			}
		}
	}
	if err := e.blacklist.RevokeBatch(ctx, batch); err != nil {
		e.logger.Warn("Failed to mirror revocation batch to blacklist", zap.Error(err))
	}
}

// deny counts a security denial and leaves a trace in the activity log.
func (e *Engine) deny(reason, userID, agentID, delegationID string) {
	if e.metrics != nil {
		e.metrics.Denials.WithLabelValues(reason).Inc()
	}
	e.store.AppendActivity("access_denied", map[string]any{"reason": reason}, userID, agentID, delegationID)
}

func (e *Engine) observeIntrospection(active bool) {
	if e.metrics == nil {
		return
	}
	outcome := "inactive"
	if active {
		outcome = "active"
	}
	e.metrics.Introspections.WithLabelValues(outcome).Inc()
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrDelegationNotFound
	case errors.Is(err, store.ErrNotPending):
		return ErrDelegationNotApproved
	default:
		return err
	}
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	case errors.Is(err, token.ErrWrongAlgorithm):
		return "wrong_alg"
	default:
		return "invalid"
	}
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func registered(issuer, subject, jti string, iat, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ExpiresAt: token.NewNumericDate(exp),
		IssuedAt:  token.NewNumericDate(iat),
		ID:        jti,
	}
}
