// Package types defines the core data records shared across the delegation service.
package types

import (
	"errors"
	"time"
)

// AgentStatus values.
const (
	AgentActive    = "active"
	AgentInactive  = "inactive"
	AgentSuspended = "suspended"
)

// DelegationStatus values.
const (
	DelegationPending  = "pending"
	DelegationApproved = "approved"
	DelegationDenied   = "denied"
	DelegationExpired  = "expired"
	DelegationRevoked  = "revoked"
)

// PKCE challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s string) bool {
	return s == AgentActive || s == AgentInactive || s == AgentSuspended
}

// ValidDelegationStatus reports whether s is a known delegation status.
func ValidDelegationStatus(s string) bool {
	switch s {
	case DelegationPending, DelegationApproved, DelegationDenied, DelegationExpired, DelegationRevoked:
		return true
	}
	return false
}

// Agent represents a software principal that acts on behalf of users.
type Agent struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	AllowedScopes   []string   `json:"scopes"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used,omitempty"`
	DelegationCount int        `json:"delegation_count"`
}

// Validate checks agent invariants.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if a.Name == "" {
		return errors.New("agent name is required")
	}
	if !ValidAgentStatus(a.Status) {
		return errors.New("invalid agent status: " + a.Status)
	}
	return nil
}

// Active returns true if the agent may be used for new delegations.
func (a *Agent) Active() bool {
	return a.Status == AgentActive
}

// AllowsScopes reports whether the requested scopes are permitted by the
// agent's declaration. An empty declaration leaves scoping to user policy.
func (a *Agent) AllowsScopes(scopes []string) bool {
	if len(a.AllowedScopes) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(a.AllowedScopes))
	for _, s := range a.AllowedScopes {
		allowed[s] = true
	}
	for _, s := range scopes {
		if !allowed[s] {
			return false
		}
	}
	return true
}

// Touch updates usage bookkeeping after a successful approval.
func (a *Agent) Touch(now time.Time) {
	a.DelegationCount++
	t := now
	a.LastUsedAt = &t
}

// User is a human principal that can delegate authority to agents.
// SecretHash holds a bcrypt hash of the shared secret; IdPSubject is set
// instead when the user was established through a federated identity provider.
type User struct {
	Username   string    `json:"username"`
	SecretHash string    `json:"secret_hash,omitempty"`
	IdPSubject string    `json:"idp_subject,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Delegation binds (user, agent, scopes, validity window) and owns the
// tokens minted from it.
type Delegation struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	AgentName       string     `json:"agent_name,omitempty"`
	UserID          string     `json:"user_id"`
	Scopes          []string   `json:"scopes"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	DelegationToken string     `json:"delegation_token,omitempty"`
	AccessToken     string     `json:"access_token,omitempty"`
	PKCEChallenge   string     `json:"pkce_challenge,omitempty"`
	PKCEMethod      string     `json:"pkce_method,omitempty"`
}

// Validate checks delegation invariants.
func (d *Delegation) Validate() error {
	if d.ID == "" || d.AgentID == "" || d.UserID == "" {
		return errors.New("delegation id, agent id and user id are required")
	}
	if !ValidDelegationStatus(d.Status) {
		return errors.New("invalid delegation status: " + d.Status)
	}
	if d.PKCEMethod != "" && d.PKCEMethod != PKCEMethodS256 && d.PKCEMethod != PKCEMethodPlain {
		return errors.New("invalid pkce method: " + d.PKCEMethod)
	}
	return nil
}

// Expired reports whether the delegation's validity window has passed.
func (d *Delegation) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Exchangeable reports whether an access token may currently be minted.
func (d *Delegation) Exchangeable(now time.Time) bool {
	return d.Status == DelegationApproved && !d.Expired(now)
}

// Activity is one entry of the append-only system activity log.
type Activity struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	Details      map[string]any `json:"details,omitempty"`
	User         string         `json:"user,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	DelegationID string         `json:"delegation_id,omitempty"`
}

// SystemStats aggregates counts for the management status endpoint.
type SystemStats struct {
	TotalAgents         int       `json:"total_agents"`
	ActiveAgents        int       `json:"active_agents"`
	InactiveAgents      int       `json:"inactive_agents"`
	SuspendedAgents     int       `json:"suspended_agents"`
	TotalDelegations    int       `json:"total_delegations"`
	PendingDelegations  int       `json:"pending_delegations"`
	ApprovedDelegations int       `json:"approved_delegations"`
	DeniedDelegations   int       `json:"denied_delegations"`
	RevokedDelegations  int       `json:"revoked_delegations"`
	ExpiredDelegations  int       `json:"expired_delegations"`
	ActiveTokens        int       `json:"active_tokens"`
	RevokedTokens       int       `json:"revoked_tokens"`
	TotalUsers          int       `json:"total_users"`
	Timestamp           time.Time `json:"timestamp"`
}
