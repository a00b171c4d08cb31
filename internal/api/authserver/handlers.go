package authserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adp-engine/go-core/internal/engine"
	"github.com/adp-engine/go-core/internal/idp"
	"github.com/adp-engine/go-core/internal/store"
	"github.com/adp-engine/go-core/internal/token"
	"github.com/adp-engine/go-core/pkg/types"
)

// errorResponse is the uniform error body of every surface.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// formValue reads a field from a form body, falling back to the JSON body
// already bound into dst.
func formValue(c *gin.Context, dst map[string]string, key string) string {
	if v := c.PostForm(key); v != "" {
		return v
	}
	return dst[key]
}

func bindLooseJSON(c *gin.Context) map[string]string {
	out := map[string]string{}
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err == nil {
			for k, v := range body {
				if s, ok := v.(string); ok {
					out[k] = s
				}
			}
		}
	}
	return out
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "auth",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// registerAgentRequest is the agent registration body. agent_id and
// allowed_scopes are accepted as aliases for id and scopes.
type registerAgentRequest struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	Scopes        []string `json:"scopes"`
	AllowedScopes []string `json:"allowed_scopes"`
}

func (r *registerAgentRequest) agentID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.AgentID
}

func (r *registerAgentRequest) allowedScopes() []string {
	if len(r.Scopes) > 0 {
		return r.Scopes
	}
	return r.AllowedScopes
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Missing or invalid request parameters")
		return
	}

	agent, err := s.engine.Store().CreateAgent(&types.Agent{
		ID:            req.agentID(),
		Name:          req.Name,
		Description:   req.Description,
		AllowedScopes: req.allowedScopes(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(c, http.StatusConflict, "agent_exists", "An agent with this ID is already registered")
			return
		}
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Info("Agent registered", zap.String("agent_id", agent.ID), zap.String("name", agent.Name))
	c.JSON(http.StatusCreated, agent)
}

// registerUserRequest is the user registration body.
type registerUserRequest struct {
	Username string `json:"username" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

func (s *Server) registerUser(c *gin.Context) {
	var req registerUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Missing or invalid request parameters")
		return
	}
	if err := s.engine.Store().CreateUser(req.Username, req.Secret); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(c, http.StatusConflict, "user_exists", "This username is already registered")
			return
		}
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Info("User registered", zap.String("username", req.Username))
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully"})
}

// authorize handles GET /authorize. With a local user it creates and approves
// a delegation in one step, returning the delegation token. Without one, and
// with an identity provider configured, it redirects there carrying the
// request inside signed state.
func (s *Server) authorize(c *gin.Context) {
	user := c.Query("user")
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = c.Query("agent_id")
	}
	scopes := parseScopes(c.Query("scope"))
	challenge := c.Query("code_challenge")
	method := c.Query("code_challenge_method")

	if clientID == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	if challenge != "" && method == "" {
		method = types.PKCEMethodS256
	}
	if method != "" && method != types.PKCEMethodS256 && method != types.PKCEMethodPlain {
		writeError(c, http.StatusBadRequest, "invalid_request", "code_challenge_method must be S256 or plain")
		return
	}

	if user == "" {
		if s.provider == nil {
			writeError(c, http.StatusBadRequest, "invalid_request", "user is required")
			return
		}
		state, err := idp.EncodeState(s.stateSecret, idp.State{
			AgentID:             clientID,
			Scopes:              scopes,
			CodeChallenge:       challenge,
			CodeChallengeMethod: method,
		})
		if err != nil {
			writeError(c, http.StatusInternalServerError, "server_error", "Failed to start authorization flow")
			return
		}
		c.Redirect(http.StatusFound, s.provider.AuthCodeURL(state))
		return
	}

	d, delegationToken, err := s.engine.Authorize(c.Request.Context(), user, clientID, scopes, challenge, method)
	if err != nil {
		s.writeAuthorizeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delegation_token": delegationToken,
		"delegation_id":    d.ID,
		"expires_at":       d.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// callback completes the identity-provider round trip.
func (s *Server) callback(c *gin.Context) {
	if s.provider == nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "No identity provider is configured")
		return
	}
	code := c.Query("code")
	encodedState := c.Query("state")
	if code == "" || encodedState == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	state, err := idp.DecodeState(s.stateSecret, encodedState, time.Now())
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_state", "The state parameter is invalid or expired")
		return
	}
	identity, err := s.provider.Exchange(c.Request.Context(), code)
	if err != nil {
		s.logger.Warn("IdP code exchange failed", zap.Error(err))
		writeError(c, http.StatusBadRequest, "invalid_grant", "Authorization code exchange failed")
		return
	}

	if err := s.engine.Store().CreateFederatedUser(identity.Username, identity.Subject); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(c, http.StatusConflict, "user_exists", "This username belongs to a different identity")
			return
		}
		writeError(c, http.StatusInternalServerError, "server_error", "Failed to record federated user")
		return
	}

	d, delegationToken, err := s.engine.Authorize(c.Request.Context(), identity.Username, state.AgentID,
		state.Scopes, state.CodeChallenge, state.CodeChallengeMethod)
	if err != nil {
		s.writeAuthorizeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delegation_token": delegationToken,
		"delegation_id":    d.ID,
		"expires_at":       d.ExpiresAt.UTC().Format(time.RFC3339),
		"user":             identity.Username,
	})
}

// token handles POST /token: delegation-token for access-token exchange.
func (s *Server) token(c *gin.Context) {
	body := bindLooseJSON(c)
	delegationToken := formValue(c, body, "delegation_token")
	verifier := formValue(c, body, "code_verifier")
	if delegationToken == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "delegation_token is required")
		return
	}

	accessToken, claims, err := s.engine.Exchange(c.Request.Context(), delegationToken, verifier)
	if err != nil {
		s.writeExchangeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(time.Until(claims.ExpiresAt.Time).Seconds()),
		"scope":        strings.Join(claims.Scope, " "),
	})
}

// revoke handles POST /revoke. Always 200 for a well-formed request:
// revocation is idempotent and does not disclose token validity.
func (s *Server) revoke(c *gin.Context) {
	body := bindLooseJSON(c)
	tok := formValue(c, body, "token")
	if tok == "" {
		writeError(c, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	if err := s.engine.RevokeToken(c.Request.Context(), tok); err != nil {
		writeError(c, http.StatusInternalServerError, "server_error", "Failed to record revocation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// introspect handles POST /introspect. Inactive answers carry no detail.
func (s *Server) introspect(c *gin.Context) {
	body := bindLooseJSON(c)
	tok := formValue(c, body, "token")
	if tok == "" {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, s.engine.Introspect(c.Request.Context(), tok))
}

func (s *Server) writeAuthorizeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUserUnknown):
		writeError(c, http.StatusForbidden, "user_unknown", "User not found")
	case errors.Is(err, engine.ErrAgentUnknown):
		writeError(c, http.StatusForbidden, "agent_unknown", "Agent not registered")
	case errors.Is(err, engine.ErrAgentInactive):
		writeError(c, http.StatusForbidden, "agent_inactive", "Agent is not active")
	case errors.Is(err, engine.ErrScopeDenied):
		writeError(c, http.StatusForbidden, "scope_denied", "Requested scopes exceed the agent's allowed scopes")
	default:
		writeError(c, http.StatusInternalServerError, "server_error", "An error occurred while processing the request")
	}
}

func (s *Server) writeExchangeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		writeError(c, http.StatusForbidden, "token_expired", "Delegation token expired")
	case errors.Is(err, token.ErrPKCERequired):
		writeError(c, http.StatusForbidden, "pkce_required", "A code_verifier is required for this delegation")
	case errors.Is(err, token.ErrPKCEMismatch):
		writeError(c, http.StatusForbidden, "pkce_mismatch", "code_verifier does not match the recorded challenge")
	case errors.Is(err, engine.ErrTokenRevoked), errors.Is(err, engine.ErrDelegationRevoked):
		writeError(c, http.StatusForbidden, "token_revoked", "The delegation has been revoked")
	case errors.Is(err, engine.ErrDelegationExpired):
		writeError(c, http.StatusForbidden, "delegation_expired", "The delegation has expired")
	case errors.Is(err, engine.ErrDelegationNotApproved), errors.Is(err, engine.ErrDelegationNotFound):
		writeError(c, http.StatusForbidden, "delegation_not_approved", "The delegation is not approved")
	case errors.Is(err, token.ErrBadSignature), errors.Is(err, token.ErrTokenMalformed), errors.Is(err, token.ErrWrongAlgorithm):
		writeError(c, http.StatusForbidden, "invalid_token", "Invalid delegation token")
	default:
		writeError(c, http.StatusInternalServerError, "server_error", "An error occurred while processing the request")
	}
}

// parseScopes splits the legacy space-separated scope parameter.
func parseScopes(raw string) []string {
	return strings.Fields(raw)
}
