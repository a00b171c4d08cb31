// Package store provides process-wide persistence of agents, users,
// delegations, the token sets and the activity log. All reads and writes
// happen under one logical lock; compound operations are atomic and a failed
// persistence write leaves the in-memory state unchanged.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/adp-engine/go-core/pkg/types"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrNotPending = errors.New("delegation is not pending")
	ErrNotActive  = errors.New("delegation is not revocable from its current state")
)

// activityRingSize bounds the in-memory activity log.
const activityRingSize = 1000

// ActiveToken is one entry of the advisory active-token set.
type ActiveToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AddedAt   time.Time `json:"added_at"`
}

// Store holds all persistent entities behind a single RWMutex.
type Store struct {
	mu     sync.RWMutex
	path   string
	logger *zap.Logger

	agents      map[string]*types.Agent
	users       map[string]*types.User
	delegations map[string]*types.Delegation
	active      map[string]ActiveToken
	revoked     map[string]struct{}
	activities  []*types.Activity

	sink func(*types.Activity)
}

// SetActivitySink registers a callback that receives a copy of every activity
// entry as it is appended. Used to mirror the in-memory ring to the audit
// file. Must be called before the store is shared between goroutines.
func (s *Store) SetActivitySink(fn func(*types.Activity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = fn
}

// Open creates a store backed by the JSON snapshot at path, loading any
// previous state. An empty path keeps the store memory-only (tests).
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:        path,
		logger:      logger,
		agents:      make(map[string]*types.Agent),
		users:       make(map[string]*types.User),
		delegations: make(map[string]*types.Delegation),
		active:      make(map[string]ActiveToken),
		revoked:     make(map[string]struct{}),
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Agents

// CreateAgent registers a new agent. Missing IDs are generated.
func (s *Store) CreateAgent(a *types.Agent) (*types.Agent, error) {
	if a.ID == "" {
		a.ID = "agent-" + uuid.NewString()[:8]
	}
	if a.Status == "" {
		a.Status = types.AgentActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[a.ID]; exists {
		return nil, ErrConflict
	}

	cp := copyAgent(a)
	s.agents[a.ID] = cp
	if err := s.persistLocked(); err != nil {
		delete(s.agents, a.ID)
		return nil, err
	}
	s.appendActivityLocked("agent_created", map[string]any{"name": a.Name}, "", a.ID, "")
	return copyAgent(cp), nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(id string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// ListAgents returns agents matching the optional status filter and substring
// search over name and description, sorted by creation time.
func (s *Store) ListAgents(status, search string) []*types.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Agent
	needle := strings.ToLower(search)
	for _, a := range s.agents {
		if status != "" && a.Status != status {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(a.Name), needle) &&
			!strings.Contains(strings.ToLower(a.Description), needle) {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AgentUpdate names the mutable agent fields. Nil pointers leave a field
// untouched.
type AgentUpdate struct {
	Name          *string
	Description   *string
	AllowedScopes *[]string
	Status        *string
}

// UpdateAgent applies a partial update.
func (s *Store) UpdateAgent(id string, upd AgentUpdate) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	prev := copyAgent(a)
	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Description != nil {
		a.Description = *upd.Description
	}
	if upd.AllowedScopes != nil {
		a.AllowedScopes = append([]string(nil), (*upd.AllowedScopes)...)
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if err := a.Validate(); err != nil {
		s.agents[id] = prev
		return nil, err
	}
	if err := s.persistLocked(); err != nil {
		s.agents[id] = prev
		return nil, err
	}
	s.appendActivityLocked("agent_updated", nil, "", id, "")
	return copyAgent(a), nil
}

// DeleteAgent removes an agent after revoking every one of its pending or
// approved delegations. The returned slice holds the token strings that
// entered the revocation set, so callers can mirror them elsewhere.
func (s *Store) DeleteAgent(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Stage the cascade on copies so a failed write changes nothing.
	prevAgent := copyAgent(a)
	var prevDelegations []*types.Delegation
	var revokedTokens []string
	now := time.Now().UTC()

	for _, d := range s.delegations {
		if d.AgentID != id {
			continue
		}
		if d.Status != types.DelegationPending && d.Status != types.DelegationApproved {
			continue
		}
		prevDelegations = append(prevDelegations, copyDelegation(d))
		d.Status = types.DelegationRevoked
		t := now
		d.RevokedAt = &t
		if d.DelegationToken != "" {
			revokedTokens = append(revokedTokens, d.DelegationToken)
		}
		if d.AccessToken != "" {
			revokedTokens = append(revokedTokens, d.AccessToken)
		}
	}
	var added []string
	for _, tok := range revokedTokens {
		if _, ok := s.revoked[tok]; !ok {
			s.revoked[tok] = struct{}{}
			added = append(added, tok)
		}
	}
	delete(s.agents, id)

	if err := s.persistLocked(); err != nil {
		s.agents[id] = prevAgent
		for _, d := range prevDelegations {
			s.delegations[d.ID] = d
		}
		for _, tok := range added {
			delete(s.revoked, tok)
		}
		return nil, err
	}

	s.appendActivityLocked("agent_deleted", map[string]any{
		"revoked_delegations": len(prevDelegations),
	}, "", id, "")
	return revokedTokens, nil
}

// ---------------------------------------------------------------------------
// Users

// CreateUser registers a user with a bcrypt-hashed shared secret.
func (s *Store) CreateUser(username, secret string) error {
	if username == "" {
		return errors.New("username is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrConflict
	}
	s.users[username] = &types.User{
		Username:   username,
		SecretHash: string(hash),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		delete(s.users, username)
		return err
	}
	s.appendActivityLocked("user_registered", nil, username, "", "")
	return nil
}

// CreateFederatedUser registers (or refreshes) a user established through the
// identity provider, keyed by the IdP subject.
func (s *Store) CreateFederatedUser(username, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, exists := s.users[username]; exists {
		if u.IdPSubject == subject {
			return nil
		}
		return ErrConflict
	}
	s.users[username] = &types.User{
		Username:   username,
		IdPSubject: subject,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		delete(s.users, username)
		return err
	}
	s.appendActivityLocked("user_federated", map[string]any{"subject": subject}, username, "", "")
	return nil
}

// GetUser retrieves a user by name.
func (s *Store) GetUser(username string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ValidateUser checks a shared secret against the stored hash.
func (s *Store) ValidateUser(username, secret string) bool {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok || u.SecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.SecretHash), []byte(secret)) == nil
}

// ListUsernames returns all registered usernames, sorted.
func (s *Store) ListUsernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.users))
	for name := range s.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Delegations

// CreateDelegation records a new delegation request.
func (s *Store) CreateDelegation(d *types.Delegation) (*types.Delegation, error) {
	if d.ID == "" {
		d.ID = "delegation-" + uuid.NewString()[:8]
	}
	if d.Status == "" {
		d.Status = types.DelegationPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.delegations[d.ID]; exists {
		return nil, ErrConflict
	}
	if a, ok := s.agents[d.AgentID]; ok {
		d.AgentName = a.Name
	}

	cp := copyDelegation(d)
	s.delegations[d.ID] = cp
	if err := s.persistLocked(); err != nil {
		delete(s.delegations, d.ID)
		return nil, err
	}
	s.appendActivityLocked("delegation_requested", map[string]any{"scopes": d.Scopes}, d.UserID, d.AgentID, d.ID)
	return copyDelegation(cp), nil
}

// GetDelegation retrieves a delegation by id.
func (s *Store) GetDelegation(id string) (*types.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelegation(d), nil
}

// DelegationFilter narrows ListDelegations.
type DelegationFilter struct {
	Status  string
	AgentID string
	UserID  string
}

// ListDelegations returns delegations matching the filter, newest first.
func (s *Store) ListDelegations(f DelegationFilter) []*types.Delegation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Delegation
	for _, d := range s.delegations {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.AgentID != "" && d.AgentID != f.AgentID {
			continue
		}
		if f.UserID != "" && d.UserID != f.UserID {
			continue
		}
		out = append(out, copyDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ApproveDelegation atomically moves a pending delegation to approved,
// attaches the freshly minted delegation token and bumps the agent's usage
// counters. Only pending delegations still inside their validity window can
// be approved.
func (s *Store) ApproveDelegation(id, delegationToken string, now time.Time) (*types.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != types.DelegationPending {
		return nil, ErrNotPending
	}

	prevD := copyDelegation(d)
	var prevA *types.Agent

	d.Status = types.DelegationApproved
	t := now
	d.ApprovedAt = &t
	d.DelegationToken = delegationToken

	if a, ok := s.agents[d.AgentID]; ok {
		prevA = copyAgent(a)
		a.Touch(now)
	}

	if err := s.persistLocked(); err != nil {
		s.delegations[id] = prevD
		if prevA != nil {
			s.agents[prevA.ID] = prevA
		}
		return nil, err
	}
	s.appendActivityLocked("delegation_approved", nil, d.UserID, d.AgentID, d.ID)
	return copyDelegation(d), nil
}

// DenyDelegation moves a pending delegation to denied.
func (s *Store) DenyDelegation(id string) (*types.Delegation, error) {
	return s.transition(id, types.DelegationPending, types.DelegationDenied, "delegation_denied")
}

// MarkDelegationExpired lazily demotes an overdue delegation.
func (s *Store) MarkDelegationExpired(id string) (*types.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != types.DelegationPending && d.Status != types.DelegationApproved {
		return copyDelegation(d), nil
	}
	prev := copyDelegation(d)
	d.Status = types.DelegationExpired
	if err := s.persistLocked(); err != nil {
		s.delegations[id] = prev
		return nil, err
	}
	s.appendActivityLocked("delegation_expired", nil, d.UserID, d.AgentID, d.ID)
	return copyDelegation(d), nil
}

// RevokeDelegation revokes a pending or approved delegation and moves its
// outstanding tokens into the revocation set. Returns the revoked tokens.
func (s *Store) RevokeDelegation(id string, now time.Time) (*types.Delegation, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if d.Status != types.DelegationPending && d.Status != types.DelegationApproved {
		return nil, nil, ErrNotActive
	}

	prev := copyDelegation(d)
	d.Status = types.DelegationRevoked
	t := now
	d.RevokedAt = &t

	var tokens []string
	if d.DelegationToken != "" {
		tokens = append(tokens, d.DelegationToken)
	}
	if d.AccessToken != "" {
		tokens = append(tokens, d.AccessToken)
	}
	// Track which entries are new so a rollback cannot un-revoke a token
	// that was already in the set.
	var added []string
	for _, tok := range tokens {
		if _, ok := s.revoked[tok]; !ok {
			s.revoked[tok] = struct{}{}
			added = append(added, tok)
		}
	}

	if err := s.persistLocked(); err != nil {
		s.delegations[id] = prev
		for _, tok := range added {
			delete(s.revoked, tok)
		}
		return nil, nil, err
	}
	s.appendActivityLocked("delegation_revoked", nil, d.UserID, d.AgentID, d.ID)
	return copyDelegation(d), tokens, nil
}

// AttachAccessToken records a freshly minted access token on its delegation
// and adds it to the advisory active set.
func (s *Store) AttachAccessToken(id, accessToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return ErrNotFound
	}
	prevToken := d.AccessToken
	_, hadActive := s.active[accessToken]

	d.AccessToken = accessToken
	s.active[accessToken] = ActiveToken{Token: accessToken, ExpiresAt: expiresAt, AddedAt: time.Now().UTC()}

	if err := s.persistLocked(); err != nil {
		d.AccessToken = prevToken
		if !hadActive {
			delete(s.active, accessToken)
		}
		return err
	}
	s.appendActivityLocked("access_token_issued", nil, d.UserID, d.AgentID, d.ID)
	return nil
}

func (s *Store) transition(id, from, to, action string) (*types.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != from {
		return nil, ErrNotPending
	}
	prev := copyDelegation(d)
	d.Status = to
	if err := s.persistLocked(); err != nil {
		s.delegations[id] = prev
		return nil, err
	}
	s.appendActivityLocked(action, nil, d.UserID, d.AgentID, d.ID)
	return copyDelegation(d), nil
}

// ---------------------------------------------------------------------------
// Tokens

// MarkRevoked adds a token string to the revocation set. Idempotent.
func (s *Store) MarkRevoked(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.revoked[token]; done {
		return nil
	}
	s.revoked[token] = struct{}{}
	if err := s.persistLocked(); err != nil {
		delete(s.revoked, token)
		return err
	}
	s.appendActivityLocked("token_revoked", nil, "", "", "")
	return nil
}

// IsRevoked reports membership in the revocation set.
func (s *Store) IsRevoked(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[token]
	return ok
}

// ActiveTokens enumerates the advisory active set, pruning entries whose
// expiry has passed. Membership is informational only; introspection never
// consults it.
func (s *Store) ActiveTokens() []ActiveToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []ActiveToken
	for tok, entry := range s.active {
		if now.After(entry.ExpiresAt) {
			delete(s.active, tok)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// ---------------------------------------------------------------------------
// Activities

// AppendActivity records one activity entry.
func (s *Store) AppendActivity(action string, details map[string]any, user, agentID, delegationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendActivityLocked(action, details, user, agentID, delegationID)
}

// appendActivityLocked must be called with the write lock held. Activity
// appends are best-effort: they ride along with the next successful persist.
func (s *Store) appendActivityLocked(action string, details map[string]any, user, agentID, delegationID string) {
	a := &types.Activity{
		ID:           "activity-" + uuid.NewString()[:8],
		Timestamp:    time.Now().UTC(),
		Action:       action,
		Details:      details,
		User:         user,
		AgentID:      agentID,
		DelegationID: delegationID,
	}
	s.activities = append(s.activities, a)
	if len(s.activities) > activityRingSize {
		s.activities = s.activities[len(s.activities)-activityRingSize:]
	}
	if s.sink != nil {
		cp := *a
		s.sink(&cp)
	}
}

// RecentActivities returns the last n entries, newest first. n is capped at 100.
func (s *Store) RecentActivities(n int) []*types.Activity {
	if n <= 0 || n > 100 {
		n = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.activities) - n
	if start < 0 {
		start = 0
	}
	out := make([]*types.Activity, 0, len(s.activities)-start)
	for i := len(s.activities) - 1; i >= start; i-- {
		cp := *s.activities[i]
		out = append(out, &cp)
	}
	return out
}

// ---------------------------------------------------------------------------
// Stats

// Stats aggregates entity counts for the management status endpoint.
func (s *Store) Stats() types.SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.SystemStats{Timestamp: time.Now().UTC()}
	st.TotalAgents = len(s.agents)
	for _, a := range s.agents {
		switch a.Status {
		case types.AgentActive:
			st.ActiveAgents++
		case types.AgentInactive:
			st.InactiveAgents++
		case types.AgentSuspended:
			st.SuspendedAgents++
		}
	}
	st.TotalDelegations = len(s.delegations)
	for _, d := range s.delegations {
		switch d.Status {
		case types.DelegationPending:
			st.PendingDelegations++
		case types.DelegationApproved:
			st.ApprovedDelegations++
		case types.DelegationDenied:
			st.DeniedDelegations++
		case types.DelegationRevoked:
			st.RevokedDelegations++
		case types.DelegationExpired:
			st.ExpiredDelegations++
		}
	}
	st.ActiveTokens = len(s.active)
	st.RevokedTokens = len(s.revoked)
	st.TotalUsers = len(s.users)
	return st
}

// ---------------------------------------------------------------------------
// copies

func copyAgent(a *types.Agent) *types.Agent {
	cp := *a
	cp.AllowedScopes = append([]string(nil), a.AllowedScopes...)
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func copyDelegation(d *types.Delegation) *types.Delegation {
	cp := *d
	cp.Scopes = append([]string(nil), d.Scopes...)
	if d.ApprovedAt != nil {
		t := *d.ApprovedAt
		cp.ApprovedAt = &t
	}
	if d.RevokedAt != nil {
		t := *d.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
