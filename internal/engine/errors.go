package engine

import "errors"

// Guard failures surfaced by the delegation state machine. The HTTP layer
// maps these onto the error taxonomy and status codes.
var (
	ErrAgentUnknown  = errors.New("agent not registered")
	ErrAgentInactive = errors.New("agent is not active")
	ErrUserUnknown   = errors.New("user not found")
	ErrScopeDenied   = errors.New("requested scopes exceed agent's allowed scopes")

	ErrDelegationNotFound    = errors.New("delegation not found")
	ErrDelegationNotApproved = errors.New("delegation is not approved")
	ErrDelegationRevoked     = errors.New("delegation has been revoked")
	ErrDelegationExpired     = errors.New("delegation has expired")

	ErrTokenRevoked = errors.New("token has been revoked")
)
