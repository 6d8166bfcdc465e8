package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/mapper"
	"github.com/formscout/formscout/pkg/httputil"
)

// MapperStatusResponse is the mapping session status poll body. The detailed
// state machine stays internal; clients see the collapsed poll status.
type MapperStatusResponse struct {
	SessionID   string          `json:"session_id"`
	Status      string          `json:"status"`
	State       string          `json:"state"`
	CurrentPath int             `json:"current_path"`
	TotalPaths  int             `json:"total_paths_discovered"`
	StepsDone   int             `json:"steps_executed"`
	Defects     []mapper.Defect `json:"defects,omitempty"`
	TestCases   []string        `json:"test_cases,omitempty"`
	FinalSteps  []domain.Step   `json:"final_steps,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
}

func mapperStatusFrom(s *mapper.Session) MapperStatusResponse {
	return MapperStatusResponse{
		SessionID:   s.ID,
		Status:      s.State.PollStatus(),
		State:       string(s.State),
		CurrentPath: s.CurrentPath,
		TotalPaths:  s.TotalPathsDiscovered,
		StepsDone:   len(s.AllSteps),
		Defects:     s.Defects,
		TestCases:   s.TestCases,
		FinalSteps:  s.FinalSteps,
		ErrorCode:   s.ErrorCode,
		ErrorMsg:    s.LastError,
	}
}

// handleMapperStart opens a mapping session against a discovered form route
func (s *Server) handleMapperStart(w http.ResponseWriter, r *http.Request) {
	var req mapper.StartRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if req.FormRouteID == 0 || req.UserID == 0 || req.CompanyID == 0 {
		httputil.ErrorFromDomain(w, domain.ValidationError("form_route_id",
			"form_route_id, user_id and company_id are required"))
		return
	}

	session, err := s.mapper.Start(r.Context(), req)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, mapperStatusFrom(session))
}

func (s *Server) handleMapperStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.mapper.Get(r.Context(), sessionID)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, mapperStatusFrom(session))
}

// handleMapperCancel requests cancellation; idempotent on finished sessions
func (s *Server) handleMapperCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.mapper.Cancel(r.Context(), sessionID); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"cancel_requested": true})
}

// handleMapperDelete drops a finished session's cached state, including the
// DOM and screenshot buffers. Active sessions return 409 until cancelled.
func (s *Server) handleMapperDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.mapper.Delete(r.Context(), sessionID); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"deleted": true})
}
