package resourceserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adp-engine/go-core/internal/dpop"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "resource-server",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// dataHandler serves the protected resource. The bearer token must
// introspect as active; when DPoP is in play the request additionally needs
// a valid proof bound to this method and URL.
func (s *Server) dataHandler(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized",
			"Authorization header must be in format 'Bearer <token>'")
		return
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	proof := r.Header.Get(dpop.HeaderName)
	if s.config.RequireDPoP || (proof != "" && s.dpop != nil) {
		if s.dpop == nil {
			writeJSONError(w, http.StatusUnauthorized, "dpop_required", "A DPoP proof is required")
			return
		}
		if err := s.dpop.Verify(proof, r.Method, requestURL(r), time.Now()); err != nil {
			s.logger.Warn("DPoP verification failed", zap.Error(err))
			writeJSONError(w, http.StatusUnauthorized, dpopErrorCode(err), "DPoP proof rejected")
			return
		}
	}

	result, err := s.introspector.Introspect(r.Context(), token)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable",
			"Unable to validate token with authorization server")
		return
	}
	if !result.Active {
		writeJSONError(w, http.StatusForbidden, "invalid_token",
			"Token is invalid, expired, or revoked")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Access granted to protected resource",
		"data": map[string]any{
			"user":      result.Subject,
			"agent":     result.Actor,
			"scope":     result.Scope,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"resource":  "sample_data",
			"content":   "This is protected data accessible via delegation",
		},
	})
}

func dpopErrorCode(err error) string {
	switch {
	case errors.Is(err, dpop.ErrProofReplayed):
		return "dpop_replayed"
	case errors.Is(err, dpop.ErrProofStale):
		return "dpop_stale"
	default:
		return "dpop_invalid"
	}
}

// requestURL reconstructs the absolute URL the client signed over.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
