package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crypto"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/storage"
	"github.com/formscout/formscout/pkg/httputil"
)

// locateBudgetProbe is the estimated cost used for the pre-flight admission
// check; the real booking happens per AI call during the crawl
const locateBudgetProbe = 0.01

// writeRaw writes a bare JSON body. The agent protocol uses unwrapped
// payloads; the operator endpoints use the httputil envelope.
func writeRaw(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError(name, "invalid "+name)
	}
	return id, nil
}

// LocateRequest starts a form-discovery session on a network
type LocateRequest struct {
	UserID     int64  `json:"user_id"`
	CompanyID  int64  `json:"company_id"`
	ProductID  int64  `json:"product_id"`
	TargetName string `json:"target_name,omitempty"`
	MaxDepth   int    `json:"max_depth,omitempty"`
	SlowMode   bool   `json:"slow_mode,omitempty"`
}

// LocateResponse acknowledges the queued discovery
type LocateResponse struct {
	CrawlSessionID int64  `json:"crawl_session_id"`
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
}

// handleLocate validates the agent is online and the budget admits the run,
// then creates the session and queues the discovery task
func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	networkID, err := pathInt64(r, "networkID")
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	var req LocateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if req.UserID == 0 || req.CompanyID == 0 {
		httputil.ErrorFromDomain(w, domain.ValidationError("user_id", "user_id and company_id are required"))
		return
	}

	network, err := s.networks.GetByID(r.Context(), networkID)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	// No point queueing work nobody will pick up
	agent, err := s.agents.GetByUserID(r.Context(), req.UserID)
	if err != nil || !agent.IsConnected(time.Now().UTC()) {
		httputil.ErrorFromDomain(w, &domain.DomainError{
			Code:    domain.ErrCodeNoAgentOnline,
			Message: "no agent online for this user",
		})
		return
	}

	// Admission check up front: a company that cannot afford a single call
	// should fail here, not twenty minutes into a crawl
	if _, err := s.gate.Check(r.Context(), req.CompanyID, req.ProductID, locateBudgetProbe); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	session := domain.NewCrawlSession(req.CompanyID, req.ProductID, network.ProjectID, networkID, req.UserID)
	if err := s.sessions.Create(r.Context(), session); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	params := domain.DiscoverFormPagesParams{
		CrawlSessionID: session.ID,
		NetworkID:      networkID,
		ProjectID:      network.ProjectID,
		ProductID:      req.ProductID,
		StartURL:       startURLFor(network),
		BaseURL:        network.BaseURL,
		MaxDepth:       orDefault(req.MaxDepth, s.cfg.Crawler.MaxDepth),
		TargetName:     req.TargetName,
		SlowMode:       req.SlowMode || s.cfg.Crawler.SlowMode,
		LoginStages:    network.LoginStages,
		Credentials:    s.networkCredentials(network),
		UploadURLs:     s.presignArtifacts(r, session.ID),
	}

	task, err := domain.NewAgentTask(req.CompanyID, req.UserID, domain.TaskTypeDiscoverFormPages, params)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if err := s.bus.Enqueue(r.Context(), task); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	s.logger.Info("discovery queued",
		zap.Int64("session_id", session.ID),
		zap.Int64("network_id", networkID),
		zap.String("task_id", task.ID.String()))

	httputil.JSON(w, http.StatusAccepted, LocateResponse{
		CrawlSessionID: session.ID,
		TaskID:         task.ID.String(),
		Status:         string(session.Status),
	})
}

func startURLFor(network *domain.Network) string {
	if network.LoginURL != "" {
		return network.LoginURL
	}
	return network.BaseURL
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// networkCredentials decrypts the stored password for placeholder
// substitution on the agent. Decryption failure degrades to no credentials;
// the login steps then fail visibly instead of the whole locate call.
func (s *Server) networkCredentials(network *domain.Network) map[string]string {
	if network.Username == "" && network.PasswordEnc == "" {
		return nil
	}
	creds := map[string]string{"username": network.Username}
	if network.PasswordEnc != "" {
		password, err := crypto.Decrypt(network.PasswordEnc, s.encKey)
		if err != nil {
			s.logger.Error("network password decryption failed",
				zap.Int64("network_id", network.ID), zap.Error(err))
			return nil
		}
		creds["password"] = password
	}
	return creds
}

func (s *Server) presignArtifacts(r *http.Request, sessionID int64) domain.ArtifactUploadURLs {
	if s.signer == nil {
		return domain.ArtifactUploadURLs{}
	}
	var urls domain.ArtifactUploadURLs
	expiry := s.cfg.Storage.PresignExpiry

	if u, err := s.signer.PresignedPutURL(r.Context(), storage.ScreenshotKey(sessionID, "final.jpg"), expiry); err == nil {
		urls.Screenshots = u
	} else {
		s.logger.Warn("presigning screenshot URL failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
	if u, err := s.signer.PresignedPutURL(r.Context(), storage.LogKey(sessionID, "crawl.log"), expiry); err == nil {
		urls.Logs = u
	} else {
		s.logger.Warn("presigning log URL failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
	return urls
}

// SessionStatusResponse is the discovery status poll body
type SessionStatusResponse struct {
	Session *domain.CrawlSession    `json:"session"`
	Forms   []*domain.FormPageRoute `json:"forms,omitempty"`
	AICost  float64                 `json:"ai_cost"`
}

// handleSessionStatus reports a crawl session with its discovered forms.
// Agent death is detected lazily here: a running session whose agent stopped
// heartbeating gets failed with AGENT_DISCONNECTED on read.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathInt64(r, "sessionID")
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	session, err := s.sessions.GetByID(r.Context(), sessionID)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if session.Status == domain.SessionStatusRunning || session.Status == domain.SessionStatusPending {
		agent, agentErr := s.agents.GetByUserID(r.Context(), session.UserID)
		if agentErr == nil && !agent.IsConnected(time.Now().UTC()) {
			session.Fail(domain.ErrCodeAgentDisconnected, "agent stopped heartbeating")
			if err := s.sessions.Update(r.Context(), session); err != nil {
				s.logger.Error("marking session disconnected failed",
					zap.Int64("session_id", sessionID), zap.Error(err))
			}
		}
	}

	forms, err := s.routes.ListBySession(r.Context(), sessionID)
	if err != nil {
		s.logger.Warn("listing session forms failed",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}

	cost, err := s.usage.SumForSession(r.Context(), sessionID)
	if err != nil {
		s.logger.Warn("summing session AI spend failed",
			zap.Int64("session_id", sessionID), zap.Error(err))
	}

	httputil.JSON(w, http.StatusOK, SessionStatusResponse{Session: session, Forms: forms, AICost: cost})
}

// handleSessionCancel requests cancellation. Idempotent: cancelling a
// finished or already-cancelled session succeeds without effect.
func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathInt64(r, "sessionID")
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if err := s.sessions.RequestCancel(r.Context(), sessionID); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"cancel_requested": true})
}

// handleSessionProgress receives periodic progress from the crawling agent
func (s *Server) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathInt64(r, "sessionID")
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	var body struct {
		PagesCrawled int `json:"pages_crawled"`
		FormsFound   int `json:"forms_found"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if err := s.sessions.UpdateProgress(r.Context(), sessionID, body.PagesCrawled, body.FormsFound); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, nil)
}

// handleFormPageCreate persists a route discovered by the agent
func (s *Server) handleFormPageCreate(w http.ResponseWriter, r *http.Request) {
	var route domain.FormPageRoute
	if err := httputil.DecodeJSON(r, &route); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if route.FormName == "" || route.URL == "" {
		httputil.ErrorFromDomain(w, domain.ValidationError("form_name", "form_name and url are required"))
		return
	}

	route.Finalize()
	if err := s.routes.Create(r.Context(), &route); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.FormsFoundTotal.Inc()
	}
	httputil.JSON(w, http.StatusCreated, route)
}

// handleFormPageList returns a project's discovered form pages
func (s *Server) handleFormPageList(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathInt64(r, "projectID")
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	routes, err := s.routes.ListByProject(r.Context(), projectID)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, routes)
}
