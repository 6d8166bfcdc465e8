package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crypto"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/pkg/httputil"
)

type contextKey string

const agentContextKey contextKey = "agent"

// AgentFromContext returns the authenticated agent, nil outside the agent
// middleware
func AgentFromContext(ctx context.Context) *domain.Agent {
	agent, _ := ctx.Value(agentContextKey).(*domain.Agent)
	return agent
}

// agentAuth authenticates the agent protocol: the api key must resolve to a
// live registration and the JWT claims must belong to the same agent. A
// superseded key fails with session_invalidated, which tells the agent to
// shut down for good.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-Agent-API-Key")
		if apiKey == "" {
			httputil.JSONError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "missing api key", nil)
			return
		}

		agent, err := s.agents.GetByAPIKeyHash(r.Context(), crypto.HashAPIKey(apiKey))
		if err != nil {
			httputil.ErrorFromDomain(w, err)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			httputil.JSONError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "missing bearer token", nil)
			return
		}
		claims, err := s.issuer.Verify(token)
		if err != nil {
			httputil.ErrorFromDomain(w, err)
			return
		}
		if claims.AgentID != agent.AgentID || claims.UserID != agent.UserID {
			httputil.JSONError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "token does not match api key", nil)
			return
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs each request and feeds the HTTP metrics
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, r.URL.Path, ww.Status(), duration)
		}

		// Long polls returning empty are routine; keep them out of info logs
		level := s.logger.Info
		if ww.Status() == http.StatusNoContent || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = s.logger.Debug
		}
		level("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", duration),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// recoverer turns handler panics into 500s instead of dropped connections
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				httputil.JSONError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
