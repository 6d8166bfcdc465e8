package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/ai"
	"github.com/formscout/formscout/pkg/httputil"
)

// Classification endpoints the agent calls mid-crawl. Every one of them runs
// through the broker and therefore the budget gate; a budget failure surfaces
// as 402 and the agent aborts the session with BUDGET_EXCEEDED.

func (s *Server) agentCallContext(r *http.Request) ai.CallContext {
	agent := AgentFromContext(r.Context())
	return ai.CallContext{
		CompanyID: agent.CompanyID,
		UserID:    agent.UserID,
	}
}

func (s *Server) handleAILoginSteps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DOM         string            `json:"dom"`
		Credentials map[string]string `json:"credentials,omitempty"`
		Hints       string            `json:"hints,omitempty"`
		NetworkID   int64             `json:"network_id,omitempty"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	result, err := s.broker.GenerateLoginSteps(r.Context(), s.agentCallContext(r), body.DOM, body.Credentials, body.Hints)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	// Persist the generated stages so later sessions replay instead of regenerating
	if body.NetworkID != 0 && len(result.Steps) > 0 {
		if err := s.networks.UpdateLoginStages(r.Context(), body.NetworkID, result.Steps); err != nil {
			s.logger.Warn("persisting login stages failed",
				zap.Int64("network_id", body.NetworkID), zap.Error(err))
		}
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleAILogoutSteps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DOM       string `json:"dom"`
		Hints     string `json:"hints,omitempty"`
		NetworkID int64  `json:"network_id,omitempty"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	result, err := s.broker.GenerateLogoutSteps(r.Context(), s.agentCallContext(r), body.DOM, body.Hints)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if body.NetworkID != 0 && len(result.Steps) > 0 {
		if err := s.networks.UpdateLogoutStages(r.Context(), body.NetworkID, result.Steps); err != nil {
			s.logger.Warn("persisting logout stages failed",
				zap.Int64("network_id", body.NetworkID), zap.Error(err))
		}
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleAIFormName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PageContext   string   `json:"page_context"`
		ExistingNames []string `json:"existing_names,omitempty"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	name, err := s.broker.ExtractFormName(r.Context(), s.agentCallContext(r), body.PageContext, body.ExistingNames)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, ai.FormNameResult{FormName: name})
}

func (s *Server) handleAIParentFields(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormName string `json:"form_name"`
		DOM      string `json:"dom"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	result, err := s.broker.ExtractParentFields(r.Context(), s.agentCallContext(r), body.FormName, body.DOM)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleAIUIDefects(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormName   string `json:"form_name"`
		Screenshot string `json:"screenshot"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	result, err := s.broker.VerifyUIDefects(r.Context(), s.agentCallContext(r), body.FormName, body.Screenshot)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleAIIsSubmission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ButtonText string `json:"button_text"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	answer, err := s.broker.IsSubmissionButton(r.Context(), s.agentCallContext(r), body.ButtonText)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, ai.ClassificationResult{Answer: answer})
}

func (s *Server) handleAINavigationClickables(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Screenshot string `json:"screenshot"`
		Candidates []struct {
			Selector string `json:"selector"`
			Text     string `json:"text"`
			Tag      string `json:"tag"`
		} `json:"candidates"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	candidates := make([]ai.ClickableCandidate, len(body.Candidates))
	for i, c := range body.Candidates {
		candidates[i] = ai.ClickableCandidate{Index: i, Selector: c.Selector, Text: c.Text, Tag: c.Tag}
	}

	indices, err := s.broker.GetNavigationClickables(r.Context(), s.agentCallContext(r), body.Screenshot, candidates)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	writeRaw(w, http.StatusOK, ai.NavigationPick{Indices: indices})
}
