package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/taskbus"
	"github.com/formscout/formscout/pkg/httputil"
)

// handleAgentRegister issues credentials to a new agent. Guarded by the
// shared register token, not by agent auth: there are no credentials yet.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get("X-Register-Token")
	expected := s.cfg.Security.AgentRegisterToken
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		httputil.JSONError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid register token", nil)
		return
	}

	var req taskbus.RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	resp, err := s.bus.Register(r.Context(), req)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// handleAgentToken exchanges a live api key for a fresh JWT
func (s *Server) handleAgentToken(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-Agent-API-Key")
	if apiKey == "" {
		httputil.JSONError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "missing api key", nil)
		return
	}

	resp, err := s.bus.RefreshToken(r.Context(), apiKey)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req taskbus.HeartbeatRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	// The authenticated identity wins over whatever the body claims
	agent := AgentFromContext(r.Context())
	req.AgentID = agent.AgentID

	resp, err := s.bus.Heartbeat(r.Context(), req)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// handleAgentPoll long-polls the agent's queue. 204 means the window closed
// without work.
func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	agent := AgentFromContext(r.Context())

	task, err := s.bus.PollTask(r.Context(), agent.UserID)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if task == nil {
		httputil.NoContent(w)
		return
	}
	writeRaw(w, http.StatusOK, task)
}

func (s *Server) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	var req taskbus.ReportRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if err := s.bus.ReportTaskStatus(r.Context(), req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, nil)
}

func (s *Server) handleMapperReport(w http.ResponseWriter, r *http.Request) {
	var report taskbus.MapperReport
	if err := httputil.DecodeJSON(r, &report); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	resp, err := s.bus.ReportFormMapperResult(r.Context(), report)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}
