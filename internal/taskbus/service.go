// Package taskbus is the complete surface between agents and the server:
// registration and key lifecycle, heartbeats, the per-user task queues with
// long-poll dispatch, and task status reporting.
package taskbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crypto"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/observability"
)

// Queue is the Redis-backed task queue surface
type Queue interface {
	EnqueueTask(ctx context.Context, userID int64, task *domain.AgentTask) error
	DequeueTask(ctx context.Context, userID int64, timeout time.Duration) (*domain.AgentTask, error)
	QueueDepth(ctx context.Context, userID int64) (int64, error)
}

// Mapper receives form-mapper results for state-machine advancement
type Mapper interface {
	HandleAgentResult(ctx context.Context, sessionID string, taskType domain.TaskType, success bool, payload json.RawMessage, errMsg string) (nextAction string, err error)
}

// Service implements the task bus
type Service struct {
	agents   domain.AgentRepository
	tasks    domain.AgentTaskRepository
	sessions domain.CrawlSessionRepository
	routes   domain.FormPageRouteRepository
	queue    Queue
	issuer   *TokenIssuer
	mapper   Mapper
	metrics  *observability.Metrics
	logger   *zap.Logger

	pollTimeout time.Duration
}

// NewService creates the task bus service
func NewService(
	agents domain.AgentRepository,
	tasks domain.AgentTaskRepository,
	sessions domain.CrawlSessionRepository,
	routes domain.FormPageRouteRepository,
	queue Queue,
	issuer *TokenIssuer,
	mapper Mapper,
	pollTimeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		agents:      agents,
		tasks:       tasks,
		sessions:    sessions,
		routes:      routes,
		queue:       queue,
		issuer:      issuer,
		mapper:      mapper,
		metrics:     metrics,
		logger:      logger,
		pollTimeout: pollTimeout,
	}
}

// RegisterRequest carries the agent's self-description
type RegisterRequest struct {
	AgentID   string `json:"agent_id"`
	CompanyID int64  `json:"company_id"`
	UserID    int64  `json:"user_id"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
}

// RegisterResponse returns the agent's credentials
type RegisterResponse struct {
	APIKey    string `json:"api_key"`
	Token     string `json:"jwt"`
	ExpiresIn int64  `json:"expires_in"`
}

// Register issues a fresh api_key and JWT for a user's agent. The upsert
// atomically replaces any prior key for the same user; a previously
// connected agent's next call fails with session_invalidated. Last
// registration wins.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.AgentID == "" || req.UserID == 0 || req.CompanyID == 0 {
		return nil, domain.ValidationError("agent_id", "agent_id, user_id and company_id are required")
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:            uuid.New(),
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		CompanyID:     req.CompanyID,
		APIKeyHash:    crypto.HashAPIKey(apiKey),
		Hostname:      req.Hostname,
		Platform:      req.Platform,
		Version:       req.Version,
		Status:        domain.AgentStatusIdle,
		LastHeartbeat: &now,
		Timestamps:    domain.Timestamps{CreatedAt: now, UpdatedAt: now},
	}

	if err := s.agents.Upsert(ctx, agent); err != nil {
		return nil, err
	}

	token, expiresIn, err := s.issuer.Issue(agent)
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", req.AgentID),
		zap.Int64("user_id", req.UserID),
		zap.String("hostname", req.Hostname))

	return &RegisterResponse{APIKey: apiKey, Token: token, ExpiresIn: expiresIn}, nil
}

// RefreshToken issues a new JWT for a still-valid api_key. A superseded key
// no longer resolves to an agent and fails with session_invalidated.
func (s *Service) RefreshToken(ctx context.Context, apiKey string) (*RegisterResponse, error) {
	agent, err := s.agents.GetByAPIKeyHash(ctx, crypto.HashAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	token, expiresIn, err := s.issuer.Issue(agent)
	if err != nil {
		return nil, err
	}

	return &RegisterResponse{Token: token, ExpiresIn: expiresIn}, nil
}

// HeartbeatRequest is the agent's periodic liveness report
type HeartbeatRequest struct {
	AgentID               string             `json:"agent_id"`
	Status                domain.AgentStatus `json:"status"`
	CurrentTaskID         *uuid.UUID         `json:"current_task_id,omitempty"`
	CurrentCrawlSessionID *int64             `json:"current_crawl_session_id,omitempty"`
}

// HeartbeatResponse carries the cancellation flag back to the agent
type HeartbeatResponse struct {
	CancelRequested bool `json:"cancel_requested"`
}

// Heartbeat records liveness and relays cancellation. Cancellation is a DB
// flag, not a signal: the agent learns about it here, within one heartbeat
// interval.
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	if err := s.agents.UpdateHeartbeat(ctx, req.AgentID, req.Status, req.CurrentTaskID, req.CurrentCrawlSessionID); err != nil {
		return nil, err
	}

	resp := &HeartbeatResponse{}
	if req.CurrentCrawlSessionID != nil {
		session, err := s.sessions.GetByID(ctx, *req.CurrentCrawlSessionID)
		if err == nil {
			resp.CancelRequested = session.CancelRequested
		} else {
			s.logger.Warn("heartbeat session lookup failed",
				zap.Int64("session_id", *req.CurrentCrawlSessionID), zap.Error(err))
		}
	}

	return resp, nil
}

// Enqueue persists a task and pushes it onto the owner's queue
func (s *Service) Enqueue(ctx context.Context, task *domain.AgentTask) error {
	if !domain.KnownTaskType(task.TaskType) {
		return domain.ValidationError("task_type", fmt.Sprintf("unknown task type %q", task.TaskType))
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return err
	}
	if err := s.queue.EnqueueTask(ctx, task.UserID, task); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.TasksEnqueuedTotal.WithLabelValues(string(task.TaskType)).Inc()
	}
	s.observeQueueDepth(ctx, task.UserID)

	return nil
}

// observeQueueDepth samples the user's queue length into the depth gauge
func (s *Service) observeQueueDepth(ctx context.Context, userID int64) {
	if s.metrics == nil {
		return
	}
	depth, err := s.queue.QueueDepth(ctx, userID)
	if err != nil {
		return
	}
	s.metrics.TaskQueueDepth.WithLabelValues(strconv.FormatInt(userID, 10)).Set(float64(depth))
}

// PollTask long-polls the user's queue. Returns nil when the poll window
// closes empty. Tasks cancelled while queued are skipped silently; the
// session was already finalized when the cancel landed.
func (s *Service) PollTask(ctx context.Context, userID int64) (*domain.AgentTask, error) {
	start := time.Now()
	deadline := start.Add(s.pollTimeout)

	defer func() {
		if s.metrics != nil {
			s.metrics.LongPollDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		task, err := s.queue.DequeueTask(ctx, userID, remaining)
		if err != nil || task == nil {
			return nil, err
		}

		// Re-read authoritative status; the queued copy may be stale
		current, err := s.tasks.GetByID(ctx, task.ID)
		if err != nil {
			s.logger.Warn("polled task not found, dropping",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		if current.Status == domain.TaskStatusCancelled {
			continue
		}

		if err := s.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusRunning, nil, ""); err != nil {
			s.logger.Warn("marking task running failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		current.Status = domain.TaskStatusRunning
		s.observeQueueDepth(ctx, userID)
		return current, nil
	}
}

// ReportRequest is the agent's terminal status report for a task
type ReportRequest struct {
	TaskID uuid.UUID         `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// DiscoverResult is the payload of a completed discover_form_pages task
type DiscoverResult struct {
	CrawlSessionID int64  `json:"crawl_session_id"`
	PagesCrawled   int    `json:"pages_crawled"`
	FormsFound     int    `json:"forms_found"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ReportTaskStatus persists a task's terminal status and finalizes the crawl
// session it was driving. Failed tasks are never re-enqueued; retrying is an
// operator decision, not a bus policy.
func (s *Service) ReportTaskStatus(ctx context.Context, req ReportRequest) error {
	if !req.Status.IsTerminal() {
		return domain.ValidationError("status", "report must carry a terminal status")
	}

	task, err := s.tasks.GetByID(ctx, req.TaskID)
	if err != nil {
		return err
	}

	if err := s.tasks.UpdateStatus(ctx, req.TaskID, req.Status, req.Result, req.Error); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.TasksCompletedTotal.WithLabelValues(string(task.TaskType), string(req.Status)).Inc()
	}

	if task.TaskType == domain.TaskTypeDiscoverFormPages {
		if err := s.finalizeDiscovery(ctx, task, req); err != nil {
			return err
		}
	}

	return nil
}

// finalizeDiscovery moves the crawl session to its terminal state based on
// the task outcome
func (s *Service) finalizeDiscovery(ctx context.Context, task *domain.AgentTask, req ReportRequest) error {
	var params domain.DiscoverFormPagesParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		return fmt.Errorf("decoding task parameters: %w", err)
	}

	session, err := s.sessions.GetByID(ctx, params.CrawlSessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return nil
	}

	var result DiscoverResult
	if len(req.Result) > 0 {
		if err := json.Unmarshal(req.Result, &result); err != nil {
			s.logger.Warn("undecodable discovery result",
				zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}

	switch req.Status {
	case domain.TaskStatusCompleted:
		session.Complete(result.PagesCrawled, result.FormsFound)
	case domain.TaskStatusCancelled:
		session.Cancel()
	case domain.TaskStatusFailed:
		code := result.ErrorCode
		if code == "" {
			code = domain.ErrCodeUnknown
		}
		msg := result.ErrorMessage
		if msg == "" {
			msg = req.Error
		}
		session.Fail(code, msg)
	}

	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(string(session.Status)).Inc()
		if req.Status == domain.TaskStatusCompleted {
			s.metrics.PagesCrawled.Observe(float64(result.PagesCrawled))
		}
	}

	if err := s.sessions.Update(ctx, session); err != nil {
		return err
	}

	if session.Status == domain.SessionStatusCompleted {
		s.rebuildHierarchy(ctx, params.ProjectID)
	}
	return nil
}

// rebuildHierarchy recomputes the project's form forest from all its routes,
// including the ones this crawl just added. A failure here leaves the previous
// forest in place; the session outcome is already recorded.
func (s *Service) rebuildHierarchy(ctx context.Context, projectID int64) {
	routes, err := s.routes.ListByProject(ctx, projectID)
	if err != nil {
		s.logger.Error("listing project routes for hierarchy rebuild failed",
			zap.Int64("project_id", projectID), zap.Error(err))
		return
	}

	edges := domain.BuildHierarchy(projectID, routes)
	if err := s.routes.RebuildHierarchy(ctx, projectID, edges); err != nil {
		s.logger.Error("hierarchy rebuild failed",
			zap.Int64("project_id", projectID), zap.Error(err))
		return
	}
	s.logger.Info("form hierarchy rebuilt",
		zap.Int64("project_id", projectID), zap.Int("forms", len(edges)))
}

// MapperReport is an agent's result for a form-mapper task
type MapperReport struct {
	SessionID string          `json:"session_id"`
	TaskType  domain.TaskType `json:"task_type"`
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MapperReportResponse tells the agent what the orchestrator decided next
type MapperReportResponse struct {
	NextAction string `json:"next_action"`
}

// ReportFormMapperResult hands a mapper result to the orchestrator
func (s *Service) ReportFormMapperResult(ctx context.Context, report MapperReport) (*MapperReportResponse, error) {
	next, err := s.mapper.HandleAgentResult(ctx, report.SessionID, report.TaskType, report.Success, report.Payload, report.Error)
	if err != nil {
		return nil, err
	}
	return &MapperReportResponse{NextAction: next}, nil
}

// generateAPIKey returns a 64-hex-char random key
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
