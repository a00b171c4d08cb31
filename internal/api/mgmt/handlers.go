package mgmt

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adp-engine/go-core/internal/engine"
	"github.com/adp-engine/go-core/internal/store"
	"github.com/adp-engine/go-core/pkg/types"
)

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

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "management",
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ---------------------------------------------------------------------------
// Agents

func (s *Server) listAgents(c *gin.Context) {
	agents := s.engine.Store().ListAgents(c.Query("status"), c.Query("search"))
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// createAgentRequest accepts agent_id and allowed_scopes as aliases for
// id and scopes.
type createAgentRequest struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	Scopes        []string `json:"scopes"`
	AllowedScopes []string `json:"allowed_scopes"`
	Status        string   `json:"status"`
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Missing or invalid request parameters")
		return
	}
	id := req.ID
	if id == "" {
		id = req.AgentID
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = req.AllowedScopes
	}
	agent, err := s.engine.Store().CreateAgent(&types.Agent{
		ID:            id,
		Name:          req.Name,
		Description:   req.Description,
		AllowedScopes: scopes,
		Status:        req.Status,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(c, http.StatusConflict, "agent_exists", "An agent with this ID is already registered")
			return
		}
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Agent created successfully", "agent": agent})
}

func (s *Server) getAgent(c *gin.Context) {
	id := c.Param("id")
	agent, err := s.engine.Store().GetAgent(id)
	if err != nil {
		writeError(c, http.StatusNotFound, "not_found", "Agent not found")
		return
	}
	history := s.engine.Store().ListDelegations(store.DelegationFilter{AgentID: id})
	c.JSON(http.StatusOK, gin.H{"agent": agent, "delegations": history})
}

type updateAgentRequest struct {
	Name          *string   `json:"name"`
	Description   *string   `json:"description"`
	AllowedScopes *[]string `json:"allowed_scopes"`
	Status        *string   `json:"status"`
}

func (s *Server) updateAgent(c *gin.Context) {
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Missing or invalid request parameters")
		return
	}
	agent, err := s.engine.Store().UpdateAgent(c.Param("id"), store.AgentUpdate{
		Name:          req.Name,
		Description:   req.Description,
		AllowedScopes: req.AllowedScopes,
		Status:        req.Status,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "Agent not found")
			return
		}
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Agent updated successfully", "agent": agent})
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.engine.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, engine.ErrDelegationNotFound) || errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "Agent not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "server_error", "Failed to delete agent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Agent deleted successfully"})
}

// ---------------------------------------------------------------------------
// Delegations

func (s *Server) listDelegations(c *gin.Context) {
	delegations := s.engine.Store().ListDelegations(store.DelegationFilter{
		Status:  c.Query("status"),
		AgentID: c.Query("agent_id"),
		UserID:  c.Query("user_id"),
	})
	c.JSON(http.StatusOK, gin.H{"delegations": delegations, "count": len(delegations)})
}

type createDelegationRequest struct {
	AgentID             string   `json:"agent_id" binding:"required"`
	UserID              string   `json:"user_id" binding:"required"`
	Scopes              []string `json:"scopes"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
}

func (s *Server) createDelegation(c *gin.Context) {
	var req createDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Missing or invalid request parameters")
		return
	}
	if m := req.CodeChallengeMethod; m != "" && m != types.PKCEMethodS256 && m != types.PKCEMethodPlain {
		writeError(c, http.StatusBadRequest, "invalid_request", "code_challenge_method must be S256 or plain")
		return
	}
	d, err := s.engine.CreateDelegation(c.Request.Context(), req.AgentID, req.UserID,
		req.Scopes, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Delegation requested successfully", "delegation": d})
}

func (s *Server) getDelegation(c *gin.Context) {
	d, err := s.engine.Store().GetDelegation(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "not_found", "Delegation not found")
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) approveDelegation(c *gin.Context) {
	d, delegationToken, err := s.engine.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          "Delegation approved successfully",
		"delegation":       d,
		"delegation_token": delegationToken,
	})
}

func (s *Server) denyDelegation(c *gin.Context) {
	d, err := s.engine.Deny(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Delegation denied successfully", "delegation": d})
}

func (s *Server) revokeDelegation(c *gin.Context) {
	_, err := s.engine.RevokeDelegation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Delegation revoked successfully"})
}

func (s *Server) writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrDelegationNotFound):
		writeError(c, http.StatusNotFound, "not_found", "Delegation not found")
	case errors.Is(err, engine.ErrAgentUnknown):
		writeError(c, http.StatusBadRequest, "agent_unknown", "Agent not registered")
	case errors.Is(err, engine.ErrAgentInactive):
		writeError(c, http.StatusBadRequest, "agent_inactive", "Agent is not active")
	case errors.Is(err, engine.ErrUserUnknown):
		writeError(c, http.StatusBadRequest, "user_unknown", "User not found")
	case errors.Is(err, engine.ErrScopeDenied):
		writeError(c, http.StatusBadRequest, "scope_denied", "Requested scopes exceed the agent's allowed scopes")
	case errors.Is(err, engine.ErrDelegationNotApproved),
		errors.Is(err, engine.ErrDelegationExpired),
		errors.Is(err, engine.ErrDelegationRevoked):
		writeError(c, http.StatusBadRequest, "invalid_state", err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "server_error", "An error occurred while processing the request")
	}
}

// ---------------------------------------------------------------------------
// Tokens

// activeTokens lists the advisory active set with truncated token strings;
// full credentials never leave the service through the management API.
func (s *Server) activeTokens(c *gin.Context) {
	active := s.engine.Store().ActiveTokens()
	out := make([]gin.H, 0, len(active))
	for _, t := range active {
		out = append(out, gin.H{
			"token":      truncateToken(t.Token),
			"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339),
			"added_at":   t.AddedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out, "count": len(out)})
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) introspectToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	c.JSON(http.StatusOK, s.engine.Introspect(c.Request.Context(), req.Token))
}

func (s *Server) revokeToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	if err := s.engine.RevokeToken(c.Request.Context(), req.Token); err != nil {
		writeError(c, http.StatusInternalServerError, "server_error", "Failed to record revocation")
		return
	}
	s.logger.Info("Token revoked via management API")
	c.JSON(http.StatusOK, gin.H{"message": "Token revoked successfully"})
}

func truncateToken(token string) string {
	if len(token) <= 24 {
		return token
	}
	return token[:24] + "..."
}

// ---------------------------------------------------------------------------
// Status and logs

func (s *Server) status(c *gin.Context) {
	stats := s.engine.Store().Stats()
	c.JSON(http.StatusOK, gin.H{
		"stats":  stats,
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) logs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	activities := s.engine.Store().RecentActivities(limit)
	c.JSON(http.StatusOK, gin.H{"logs": activities, "count": len(activities)})
}
