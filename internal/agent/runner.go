package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crawler"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/mapper"
	"github.com/formscout/formscout/internal/taskbus"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	// tokenRefreshLead refreshes the JWT well before it expires; an
	// in-flight long poll must never race the expiry
	tokenRefreshLead   = 5 * time.Minute
	registerRetryDelay = 5 * time.Second
	pollRetryDelay     = 5 * time.Second
	// loginProbeTimeout is how long to wait for the login form before
	// concluding the browser is already authenticated
	loginProbeTimeout = 5000.0
)

// ErrSuperseded is returned by Run when another agent registered for the same
// user. The process must exit; restarting would just bounce the other agent.
var ErrSuperseded = errors.New("agent superseded by a newer registration")

// Config parameterizes the agent process
type Config struct {
	ServerURL     string
	RegisterToken string
	AgentID       string
	CompanyID     int64
	UserID        int64
	Hostname      string
	Platform      string
	Version       string
	Headless      bool

	HeartbeatInterval time.Duration

	// OnProgress, when set, mirrors discovery progress to the console
	OnProgress func(pages, forms int)
}

// Runner is the agent's main loop: register, heartbeat, poll, execute, report
type Runner struct {
	cfg    Config
	client *Client
	logger *zap.Logger

	cancelFlag atomic.Bool
	superseded atomic.Bool
	shutdown   context.CancelFunc

	mu               sync.Mutex
	status           domain.AgentStatus
	currentTaskID    *uuid.UUID
	currentSessionID *int64
	tokenDeadline    time.Time
	browser          *browserSession
}

// NewRunner creates a runner; Run does everything else
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		client: NewClient(cfg.ServerURL, cfg.RegisterToken),
		logger: logger,
		status: domain.AgentStatusIdle,
	}
}

// Run blocks until ctx is cancelled or the agent is superseded
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.shutdown = cancel

	if err := r.register(ctx); err != nil {
		return err
	}

	go r.heartbeatLoop(ctx)
	go r.refreshLoop(ctx)

	defer r.closeBrowser()

	for {
		select {
		case <-ctx.Done():
			if r.superseded.Load() {
				return ErrSuperseded
			}
			return ctx.Err()
		default:
		}

		task, err := r.client.PollTask(ctx)
		if err != nil {
			if r.handleAuthError(err) {
				continue
			}
			if ctx.Err() == nil {
				r.logger.Warn("poll failed", zap.Error(err))
				sleep(ctx, pollRetryDelay)
			}
			continue
		}
		if task == nil {
			continue
		}

		r.execute(ctx, task)
	}
}

func (r *Runner) register(ctx context.Context) error {
	req := taskbus.RegisterRequest{
		AgentID:   r.cfg.AgentID,
		CompanyID: r.cfg.CompanyID,
		UserID:    r.cfg.UserID,
		Hostname:  r.cfg.Hostname,
		Platform:  r.cfg.Platform,
		Version:   r.cfg.Version,
	}
	for {
		resp, err := r.client.Register(ctx, req)
		if err == nil {
			r.setTokenDeadline(resp.ExpiresIn)
			r.logger.Info("registered",
				zap.String("agent_id", r.cfg.AgentID),
				zap.Int64("user_id", r.cfg.UserID))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("registration failed, retrying", zap.Error(err))
		sleep(ctx, registerRetryDelay)
	}
}

// heartbeatLoop reports liveness on a fixed cadence. Token refresh happens
// elsewhere; a slow refresh must not make the agent look disconnected.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		req := taskbus.HeartbeatRequest{
			AgentID:               r.cfg.AgentID,
			Status:                r.status,
			CurrentTaskID:         r.currentTaskID,
			CurrentCrawlSessionID: r.currentSessionID,
		}
		r.mu.Unlock()

		resp, err := r.client.Heartbeat(ctx, req)
		if err != nil {
			r.handleAuthError(err)
			continue
		}
		if resp.CancelRequested && !r.cancelFlag.Load() {
			r.logger.Info("cancellation requested")
			r.cancelFlag.Store(true)
		}
	}
}

// refreshLoop renews the JWT ahead of expiry
func (r *Runner) refreshLoop(ctx context.Context) {
	for {
		r.mu.Lock()
		deadline := r.tokenDeadline
		r.mu.Unlock()

		wait := time.Until(deadline.Add(-tokenRefreshLead))
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		resp, err := r.client.RefreshToken(ctx)
		if err != nil {
			if r.handleAuthError(err) {
				return
			}
			r.logger.Warn("token refresh failed", zap.Error(err))
			sleep(ctx, 30*time.Second)
			continue
		}
		r.setTokenDeadline(resp.ExpiresIn)
	}
}

func (r *Runner) setTokenDeadline(expiresIn int64) {
	r.mu.Lock()
	r.tokenDeadline = time.Now().Add(time.Duration(expiresIn) * time.Second)
	r.mu.Unlock()
}

// handleAuthError shuts the runner down permanently when the server reports
// the api key superseded. Returns true if it did.
func (r *Runner) handleAuthError(err error) bool {
	if !IsSessionInvalidated(err) {
		return false
	}
	if r.superseded.CompareAndSwap(false, true) {
		r.logger.Error("api key superseded, shutting down", zap.Error(err))
		r.shutdown()
	}
	return true
}

// execute dispatches one task and always reports an outcome
func (r *Runner) execute(ctx context.Context, task *domain.AgentTask) {
	r.logger.Info("task received",
		zap.String("task_id", task.ID.String()),
		zap.String("task_type", string(task.TaskType)))

	r.setBusy(task.ID)
	defer r.setIdle()

	switch task.TaskType {
	case domain.TaskTypeDiscoverFormPages:
		r.runDiscovery(ctx, task)
	case domain.TaskTypeFormMapperLogin, domain.TaskTypeFormMapperStep, domain.TaskTypeExecuteSteps:
		r.runMapperSteps(ctx, task)
	case domain.TaskTypeFormMapperDOM:
		r.runMapperDOM(ctx, task)
	default:
		r.reportFailure(ctx, task.ID, fmt.Sprintf("unhandled task type %q", task.TaskType))
	}
}

func (r *Runner) setBusy(taskID uuid.UUID) {
	r.mu.Lock()
	r.status = domain.AgentStatusBusy
	r.currentTaskID = &taskID
	r.mu.Unlock()
}

func (r *Runner) setIdle() {
	r.mu.Lock()
	r.status = domain.AgentStatusIdle
	r.currentTaskID = nil
	r.currentSessionID = nil
	r.mu.Unlock()
}

// runDiscovery executes a discover_form_pages task through the crawl engine
func (r *Runner) runDiscovery(ctx context.Context, task *domain.AgentTask) {
	var params domain.DiscoverFormPagesParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		r.reportFailure(ctx, task.ID, fmt.Sprintf("undecodable parameters: %v", err))
		return
	}

	r.mu.Lock()
	r.currentSessionID = &params.CrawlSessionID
	r.mu.Unlock()
	r.cancelFlag.Store(false)

	engine, err := crawler.NewEngine(crawler.Config{
		CrawlSessionID: params.CrawlSessionID,
		NetworkID:      params.NetworkID,
		ProjectID:      params.ProjectID,
		StartURL:       params.StartURL,
		BaseURL:        params.BaseURL,
		MaxDepth:       params.MaxDepth,
		TargetName:     params.TargetName,
		SlowMode:       params.SlowMode,
		LoginStages:    applyCredentials(params.LoginStages, params.Credentials),
		Headless:       r.cfg.Headless,
	}, r.client, r.client, r.logger)
	if err != nil {
		r.reportDiscovery(ctx, task.ID, params.CrawlSessionID, nil, err)
		return
	}
	defer engine.Close()

	engine.SetCancelCheck(r.cancelFlag.Load)
	engine.SetProgressCallback(func(pages, forms int) {
		if r.cfg.OnProgress != nil {
			r.cfg.OnProgress(pages, forms)
		}
		if err := r.client.ReportProgress(ctx, params.CrawlSessionID, pages, forms); err != nil {
			r.logger.Debug("progress report failed", zap.Error(err))
		}
	})

	stats, err := engine.Run(ctx)
	r.reportDiscovery(ctx, task.ID, params.CrawlSessionID, stats, err)
}

func (r *Runner) reportDiscovery(ctx context.Context, taskID uuid.UUID, sessionID int64, stats *crawler.Stats, runErr error) {
	result := taskbus.DiscoverResult{CrawlSessionID: sessionID}
	if stats != nil {
		result.PagesCrawled = stats.PagesCrawled
		result.FormsFound = stats.FormsFound
	}

	status := domain.TaskStatusCompleted
	var errMsg string
	if runErr != nil {
		result.ErrorCode = domain.SessionErrorCode(runErr)
		result.ErrorMessage = runErr.Error()
		errMsg = runErr.Error()
		if result.ErrorCode == domain.ErrCodeUserCancelled {
			status = domain.TaskStatusCancelled
		} else {
			status = domain.TaskStatusFailed
		}
	}

	raw, _ := json.Marshal(result)
	report := taskbus.ReportRequest{TaskID: taskID, Status: status, Result: raw, Error: errMsg}
	if err := r.client.ReportTaskStatus(ctx, report); err != nil {
		r.handleAuthError(err)
		r.logger.Error("reporting discovery outcome failed",
			zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}
	r.logger.Info("discovery finished",
		zap.Int64("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Int("pages", result.PagesCrawled),
		zap.Int("forms", result.FormsFound))
}

// runMapperSteps executes login, navigation and single-step mapper tasks in
// the session's long-lived browser
func (r *Runner) runMapperSteps(ctx context.Context, task *domain.AgentTask) {
	var params domain.ExecuteStepsParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		r.reportFailure(ctx, task.ID, fmt.Sprintf("undecodable parameters: %v", err))
		return
	}
	if params.MapperSession == "" {
		r.reportFailure(ctx, task.ID, "execute_steps outside a mapping session is not supported")
		return
	}

	b, err := r.ensureBrowser(params.MapperSession, params.SlowMode)
	if err != nil {
		r.reportMapper(ctx, task, params.MapperSession, false, nil, err.Error())
		return
	}

	payload := StepsReport{}
	if params.StartURL != "" {
		if err := b.goTo(params.StartURL); err != nil {
			r.completeTask(ctx, task.ID, domain.TaskStatusFailed, err.Error())
			r.reportMapper(ctx, task, params.MapperSession, false, &payload, err.Error())
			return
		}
	}

	// A login task against an already-authenticated browser: the login form
	// never appears, and that counts as success
	if task.TaskType == domain.TaskTypeFormMapperLogin && len(params.Steps) > 0 {
		if first := params.Steps[0].Selector; first != "" && !b.hasVisible(first, loginProbeTimeout) {
			payload.AlreadyLoggedIn = true
			r.completeTask(ctx, task.ID, domain.TaskStatusCompleted, "")
			r.reportMapper(ctx, task, params.MapperSession, true, &payload, "")
			return
		}
	}

	payload.BeforeScreenshot = b.screenshot()
	result, execErr := b.executeSteps(ctx, params.Steps)
	payload.AfterScreenshot = b.screenshot()
	if result != nil {
		payload.AlertFired = result.AlertFired
		payload.AlertText = result.AlertText
		payload.FailedStepIndex = result.FailedStepIndex
	}

	success := execErr == nil
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
		payload.ErrorCode = stepErrorCode(execErr)
		if task.TaskType == domain.TaskTypeFormMapperLogin {
			payload.LoginFailed = true
		}
	}

	status := domain.TaskStatusCompleted
	if !success {
		status = domain.TaskStatusFailed
	}
	r.completeTask(ctx, task.ID, status, errMsg)
	r.reportMapper(ctx, task, params.MapperSession, success, &payload, errMsg)
}

// runMapperDOM snapshots the session browser's current page
func (r *Runner) runMapperDOM(ctx context.Context, task *domain.AgentTask) {
	var params domain.FormMapperDOMParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		r.reportFailure(ctx, task.ID, fmt.Sprintf("undecodable parameters: %v", err))
		return
	}

	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b == nil || b.id != params.MapperSession {
		msg := "no live browser for this mapping session"
		r.completeTask(ctx, task.ID, domain.TaskStatusFailed, msg)
		r.reportMapper(ctx, task, params.MapperSession, false, nil, msg)
		return
	}

	html, shot, hash, err := b.captureDOM(params.IncludeJS)
	if err != nil {
		r.completeTask(ctx, task.ID, domain.TaskStatusFailed, err.Error())
		r.reportMapper(ctx, task, params.MapperSession, false, nil, err.Error())
		return
	}

	r.completeTask(ctx, task.ID, domain.TaskStatusCompleted, "")
	r.reportMapperRaw(ctx, task, params.MapperSession, true, DOMReport{
		DOMHTML:    html,
		Screenshot: shot,
		DOMHash:    hash,
	}, "")
}

// StepsReport mirrors the orchestrator's expected step-result payload
type StepsReport = mapper.StepsPayload

// DOMReport mirrors the orchestrator's expected DOM payload
type DOMReport = mapper.DOMPayload

func (r *Runner) reportMapper(ctx context.Context, task *domain.AgentTask, sessionID string, success bool, payload *StepsReport, errMsg string) {
	var body any
	if payload != nil {
		body = *payload
	}
	r.reportMapperRaw(ctx, task, sessionID, success, body, errMsg)
}

func (r *Runner) reportMapperRaw(ctx context.Context, task *domain.AgentTask, sessionID string, success bool, payload any, errMsg string) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}

	resp, err := r.client.ReportMapperResult(ctx, taskbus.MapperReport{
		SessionID: sessionID,
		TaskType:  task.TaskType,
		Success:   success,
		Payload:   raw,
		Error:     errMsg,
	})
	if err != nil {
		r.handleAuthError(err)
		r.logger.Error("mapper report failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if resp.NextAction != mapper.NextContinue {
		r.logger.Info("mapping session finished",
			zap.String("session_id", sessionID),
			zap.String("outcome", resp.NextAction))
		r.closeBrowser()
	}
}

// completeTask reports the terminal bus status of a mapper task. The mapper
// result report is what actually advances the session.
func (r *Runner) completeTask(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, errMsg string) {
	report := taskbus.ReportRequest{TaskID: taskID, Status: status, Error: errMsg}
	if err := r.client.ReportTaskStatus(ctx, report); err != nil {
		r.handleAuthError(err)
		r.logger.Warn("task status report failed",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}
}

func (r *Runner) reportFailure(ctx context.Context, taskID uuid.UUID, msg string) {
	r.logger.Error("task failed", zap.String("task_id", taskID.String()), zap.String("error", msg))
	r.completeTask(ctx, taskID, domain.TaskStatusFailed, msg)
}

// ensureBrowser returns the browser for the given mapping session, replacing
// any browser left over from a different session
func (r *Runner) ensureBrowser(sessionID string, slowMode bool) (*browserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil && r.browser.id == sessionID {
		return r.browser, nil
	}
	if r.browser != nil {
		r.logger.Info("closing browser from previous mapping session",
			zap.String("session_id", r.browser.id))
		r.browser.close()
		r.browser = nil
	}

	b, err := newBrowserSession(sessionID, r.cfg.Headless, slowMode, r.logger)
	if err != nil {
		return nil, err
	}
	r.browser = b
	return b, nil
}

func (r *Runner) closeBrowser() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		r.browser.close()
		r.browser = nil
	}
}

// applyCredentials substitutes {{key}} placeholders in step values
func applyCredentials(steps []domain.Step, creds map[string]string) []domain.Step {
	if len(creds) == 0 {
		return steps
	}
	out := make([]domain.Step, len(steps))
	copy(out, steps)
	for i := range out {
		for key, val := range creds {
			out[i].Value = strings.ReplaceAll(out[i].Value, "{{"+key+"}}", val)
		}
	}
	return out
}

// stepErrorCode maps a step execution error onto a wire error code
func stepErrorCode(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return domain.ErrCodeTimeout
	}
	return domain.ErrCodeElementNotFound
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
