package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/ai"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/observability"
	cacherepo "github.com/formscout/formscout/internal/repository/redis"
)

// Next actions returned to the agent after a result report
const (
	NextContinue  = "continue"
	NextCompleted = "completed"
	NextFailed    = "failed"
	NextCancelled = "cancelled"
)

// SessionStore is the cache surface the orchestrator needs. *redis.Cache
// satisfies it.
type SessionStore interface {
	GetMapperSession(ctx context.Context, sessionID string) ([]byte, error)
	PutMapperSession(ctx context.Context, sessionID string, data []byte) error
	UpdateMapperSession(ctx context.Context, sessionID string, fn func(current []byte) ([]byte, error)) error
	DeleteMapperSession(ctx context.Context, sessionID string) error
	SetDOM(ctx context.Context, sessionID string, dom []byte) error
	GetDOM(ctx context.Context, sessionID string) ([]byte, error)
	SetScreenshot(ctx context.Context, sessionID string, img []byte) error
	GetScreenshot(ctx context.Context, sessionID string) ([]byte, error)
}

// AI is the slice of the broker the orchestrator drives
type AI interface {
	GenerateFormSteps(ctx context.Context, cc ai.CallContext, dom string, testCases, currentPath, previousPaths []string) (*ai.StepsResult, error)
	RegenerateSteps(ctx context.Context, cc ai.CallContext, dom string, executed []domain.Step, testCases []string, failureNote string) (*ai.StepsResult, error)
	RegenerateVerifySteps(ctx context.Context, cc ai.CallContext, dom string, filledValues map[string]string) (*ai.StepsResult, error)
	AnalyzeError(ctx context.Context, cc ai.CallContext, errorInfo string, executed []domain.Step, dom string) (*ai.ErrorAnalysis, error)
	AnalyzeFailureAndRecover(ctx context.Context, cc ai.CallContext, failed domain.Step, executed []domain.Step, dom string) ([]domain.Step, error)
	VerifyJunction(ctx context.Context, cc ai.CallContext, beforeB64, afterB64 string, step domain.Step) (*ai.JunctionVerdict, error)
	VerifyUIDefects(ctx context.Context, cc ai.CallContext, formName, screenshotB64 string) (*ai.UIDefectsResult, error)
	AssignTestCases(ctx context.Context, cc ai.CallContext, paths, testCases []string) (*ai.TestCaseAssignment, error)
}

// TaskEnqueuer pushes tasks onto the owner's queue. The task bus satisfies it.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, task *domain.AgentTask) error
}

// Orchestrator drives mapper sessions through their state machine. It holds
// no per-session state itself; everything lives in the cache record.
type Orchestrator struct {
	ai       AI
	store    SessionStore
	networks domain.NetworkRepository
	routes   domain.FormPageRouteRepository
	bus      TaskEnqueuer
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewOrchestrator creates a mapper orchestrator
func NewOrchestrator(
	aiBroker AI,
	store SessionStore,
	networks domain.NetworkRepository,
	routes domain.FormPageRouteRepository,
	bus TaskEnqueuer,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		ai:       aiBroker,
		store:    store,
		networks: networks,
		routes:   routes,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetBus installs the task enqueuer after construction. The bus and the
// orchestrator reference each other, so one side has to be wired late.
func (o *Orchestrator) SetBus(bus TaskEnqueuer) {
	o.bus = bus
}

// StartRequest opens a new mapping session against a form route
type StartRequest struct {
	UserID      int64   `json:"user_id"`
	CompanyID   int64   `json:"company_id"`
	ProductID   int64   `json:"product_id"`
	FormRouteID int64   `json:"form_route_id"`
	Config      *Config `json:"config,omitempty"`
}

// Start creates a session, stores it, and dispatches the first agent task
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Session, error) {
	route, err := o.routes.GetByID(ctx, req.FormRouteID)
	if err != nil {
		return nil, err
	}
	network, err := o.networks.GetByID(ctx, route.NetworkID)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = DefaultConfig().MaxRetries
		}
		if cfg.MaxJunctionPaths <= 0 {
			cfg.MaxJunctionPaths = DefaultConfig().MaxJunctionPaths
		}
	}

	s := NewSession(req.UserID, req.CompanyID, req.ProductID, route.ProjectID, route.NetworkID, route.ID, cfg)

	// Empty login stages skip the login phase entirely
	if len(network.LoginStages) > 0 {
		s.Transition(StateLoggingIn)
		if err := o.enqueueSteps(ctx, s, domain.TaskTypeFormMapperLogin, network.LoginURL, network.LoginStages); err != nil {
			return nil, err
		}
	} else if len(route.NavigationSteps) > 0 {
		s.Transition(StateNavigating)
		if err := o.enqueueSteps(ctx, s, domain.TaskTypeExecuteSteps, route.URL, route.NavigationSteps); err != nil {
			return nil, err
		}
	} else {
		s.Transition(StateExtractingDOM)
		if err := o.enqueueDOMRequest(ctx, s); err != nil {
			return nil, err
		}
	}

	data, err := s.Encode()
	if err != nil {
		return nil, err
	}
	if err := o.store.PutMapperSession(ctx, s.ID, data); err != nil {
		return nil, err
	}

	o.logger.Info("mapper session started",
		zap.String("session_id", s.ID),
		zap.Int64("form_route_id", route.ID),
		zap.String("state", string(s.State)))

	return s, nil
}

// Get loads a session for status polls
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := o.store.GetMapperSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, domain.NotFoundError("mapper session", sessionID)
	}
	return DecodeSession(data)
}

// Cancel marks a session cancelled. Idempotent on terminal sessions.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	return o.store.UpdateMapperSession(ctx, sessionID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, domain.NotFoundError("mapper session", sessionID)
		}
		s, err := DecodeSession(current)
		if err != nil {
			return nil, err
		}
		if !s.State.IsTerminal() {
			s.Transition(StateCancelled)
		}
		return s.Encode()
	})
}

// Delete removes a finished session and its cached DOM and screenshot
// buffers. Active sessions must be cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	s, err := o.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.State.IsTerminal() {
		return &domain.DomainError{
			Code:    domain.ErrCodeConflict,
			Message: fmt.Sprintf("session %s is still active; cancel it first", sessionID),
		}
	}
	return o.store.DeleteMapperSession(ctx, sessionID)
}

// Agent result payloads

// StepsPayload is the agent's report for login/navigation/step tasks
type StepsPayload struct {
	AlertFired       bool   `json:"alert_fired,omitempty"`
	AlertText        string `json:"alert_text,omitempty"`
	LoginFailed      bool   `json:"login_failed,omitempty"`
	AlreadyLoggedIn  bool   `json:"already_logged_in,omitempty"`
	FailedStepIndex  int    `json:"failed_step_index,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	BeforeScreenshot string `json:"before_screenshot,omitempty"`
	AfterScreenshot  string `json:"after_screenshot,omitempty"`
}

// DOMPayload is the agent's report for a DOM extraction task
type DOMPayload struct {
	DOMHTML    string `json:"dom_html"`
	Screenshot string `json:"screenshot,omitempty"`
	DOMHash    string `json:"dom_hash"`
}

// HandleAgentResult advances the state machine on an agent report. The
// returned next_action tells the agent whether more work is coming.
func (o *Orchestrator) HandleAgentResult(ctx context.Context, sessionID string, taskType domain.TaskType, success bool, payload json.RawMessage, errMsg string) (string, error) {
	s, err := o.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.State.IsTerminal() {
		return nextActionFor(s.State), nil
	}

	entryState := s.State

	switch {
	case taskType == domain.TaskTypeFormMapperLogin:
		err = o.handleLoginResult(ctx, s, success, payload, errMsg)
	case taskType == domain.TaskTypeExecuteSteps && (s.State == StateNavigating || s.State == StateNavRecovering):
		err = o.handleNavigationResult(ctx, s, success, payload, errMsg)
	case taskType == domain.TaskTypeFormMapperDOM:
		err = o.handleDOMResult(ctx, s, success, payload, errMsg)
	case taskType == domain.TaskTypeFormMapperStep:
		err = o.handleStepResult(ctx, s, success, payload, errMsg)
	default:
		err = domain.ValidationError("task_type",
			fmt.Sprintf("task type %q not expected in state %s", taskType, s.State))
	}
	if err != nil {
		return "", err
	}

	if err := o.commit(ctx, s, entryState); err != nil {
		return "", err
	}

	if s.State.IsTerminal() && o.metrics != nil {
		o.metrics.SessionsTotal.WithLabelValues(s.State.PollStatus()).Inc()
	}

	return nextActionFor(s.State), nil
}

// commit writes the mutated session back, compare-and-set on the entry state.
// A conflict means another replica advanced the session first; this result is
// stale and must not overwrite.
func (o *Orchestrator) commit(ctx context.Context, s *Session, entryState State) error {
	err := o.store.UpdateMapperSession(ctx, s.ID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, domain.NotFoundError("mapper session", s.ID)
		}
		stored, err := DecodeSession(current)
		if err != nil {
			return nil, err
		}
		if stored.State != entryState {
			return nil, cacherepo.ErrCASConflict
		}
		return s.Encode()
	})
	if errors.Is(err, cacherepo.ErrCASConflict) {
		o.logger.Warn("stale mapper result dropped",
			zap.String("session_id", s.ID),
			zap.String("entry_state", string(entryState)))
	}
	return err
}

func nextActionFor(state State) string {
	switch state {
	case StateCompleted:
		return NextCompleted
	case StateFailed:
		return NextFailed
	case StateCancelled:
		return NextCancelled
	default:
		return NextContinue
	}
}

// Phase handlers. Each mutates the session and enqueues the next task; the
// caller commits the mutation.

func (o *Orchestrator) handleLoginResult(ctx context.Context, s *Session, success bool, payload json.RawMessage, errMsg string) error {
	var report StepsPayload
	decodePayload(payload, &report)

	// already_logged_in is success in disguise
	if (!success && !report.AlreadyLoggedIn) || report.LoginFailed {
		msg := errMsg
		if msg == "" {
			msg = "login stages did not reach an authenticated state"
		}
		s.Fail(domain.ErrCodeLoginFailed, msg)
		return nil
	}

	route, err := o.routes.GetByID(ctx, s.FormRouteID)
	if err != nil {
		return err
	}
	if len(route.NavigationSteps) > 0 {
		s.Transition(StateNavigating)
		return o.enqueueSteps(ctx, s, domain.TaskTypeExecuteSteps, route.URL, route.NavigationSteps)
	}
	s.Transition(StateExtractingDOM)
	return o.enqueueDOMRequest(ctx, s)
}

func (o *Orchestrator) handleNavigationResult(ctx context.Context, s *Session, success bool, payload json.RawMessage, errMsg string) error {
	if success {
		s.Transition(StateExtractingDOM)
		return o.enqueueDOMRequest(ctx, s)
	}

	var report StepsPayload
	decodePayload(payload, &report)

	s.RetryCount++
	if s.RetryCount > s.Config.MaxRetries {
		code := report.ErrorCode
		if code == "" {
			code = domain.ErrCodeElementNotFound
		}
		s.Fail(code, fmt.Sprintf("navigation failed after %d attempts: %s", s.RetryCount-1, errMsg))
		return nil
	}

	route, err := o.routes.GetByID(ctx, s.FormRouteID)
	if err != nil {
		return err
	}

	var failed domain.Step
	if report.FailedStepIndex >= 0 && report.FailedStepIndex < len(route.NavigationSteps) {
		failed = route.NavigationSteps[report.FailedStepIndex]
	}
	dom := o.loadDOM(ctx, s.ID)
	recovery, err := o.ai.AnalyzeFailureAndRecover(ctx, o.callCtx(s), failed, route.NavigationSteps[:clampIndex(report.FailedStepIndex, len(route.NavigationSteps))], dom)
	if err != nil {
		return o.failOnAIError(s, err)
	}

	s.Transition(StateNavRecovering)
	replay := append(recovery, route.NavigationSteps[clampIndex(report.FailedStepIndex, len(route.NavigationSteps)):]...)
	return o.enqueueSteps(ctx, s, domain.TaskTypeExecuteSteps, route.URL, replay)
}

func (o *Orchestrator) handleDOMResult(ctx context.Context, s *Session, success bool, payload json.RawMessage, errMsg string) error {
	if !success {
		s.Fail(domain.ErrCodeUnknown, fmt.Sprintf("DOM extraction failed: %s", errMsg))
		return nil
	}

	var report DOMPayload
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("decoding DOM payload: %w", err)
	}
	if err := o.store.SetDOM(ctx, s.ID, []byte(report.DOMHTML)); err != nil {
		return err
	}
	if report.Screenshot != "" {
		if err := o.store.SetScreenshot(ctx, s.ID, []byte(report.Screenshot)); err != nil {
			o.logger.Warn("storing screenshot failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	unchanged := s.Config.UseDetectFieldsChange && s.CurrentDOMHash != "" && report.DOMHash == s.CurrentDOMHash
	s.CurrentDOMHash = report.DOMHash

	// Post-submit DOM request: build verification steps instead of analyzing
	if s.VerificationPhase {
		return o.planVerification(ctx, s, report.DOMHTML)
	}

	s.Transition(StateAnalyzing)

	var result *ai.StepsResult
	var err error
	if len(s.AllSteps) > 0 || len(s.CriticalFields) > 0 {
		note := ""
		if unchanged {
			note = "the page did not change after the last step; pick a different element"
		}
		result, err = o.ai.RegenerateSteps(ctx, o.callCtx(s), report.DOMHTML, s.AllSteps, criticalNotes(s.CriticalFields), note)
	} else {
		result, err = o.ai.GenerateFormSteps(ctx, o.callCtx(s), report.DOMHTML, s.TestCases, stepLines(s.AllSteps), s.PathSummaries())
	}
	if err != nil {
		return o.failOnAIError(s, err)
	}

	if result.PageErrorDetected {
		code := result.PageErrorCode
		if code == "" {
			code = domain.ErrCodeServerError
		}
		s.Fail(code, "target page is broken")
		return nil
	}

	if result.NoMorePaths || s.CurrentPath >= s.Config.MaxJunctionPaths {
		return o.finishMapping(ctx, s)
	}

	s.PendingSteps = result.Steps
	s.CurrentStepIndex = 0
	s.Transition(StateExecutingStep)
	return o.enqueueNextStep(ctx, s)
}

func (o *Orchestrator) handleStepResult(ctx context.Context, s *Session, success bool, payload json.RawMessage, errMsg string) error {
	var report StepsPayload
	decodePayload(payload, &report)

	step := s.NextStep()
	if step == nil {
		return domain.ValidationError("session", "step report with no pending step")
	}

	if report.AlertFired {
		return o.handleAlert(ctx, s, *step, report)
	}

	if !success {
		return o.handleStepFailure(ctx, s, *step, errMsg)
	}

	executed := *step
	s.AllSteps = append(s.AllSteps, executed)
	s.RetryCount = 0

	if executed.IsJunction && s.Config.EnableJunctionDiscovery {
		o.verifyJunction(ctx, s, executed, report)
	}

	s.CurrentStepIndex++
	if s.NextStep() != nil {
		return o.enqueueNextStep(ctx, s)
	}

	// Pending list drained
	if s.VerificationPhase {
		return o.completePath(ctx, s)
	}

	// The generated path ends at Save/Submit; fetch the post-submit DOM and
	// switch to the verification sub-prompt
	s.VerificationPhase = true
	s.Transition(StateExtractingDOM)
	return o.enqueueDOMRequest(ctx, s)
}

// handleAlert classifies a browser alert into the three scenarios
func (o *Orchestrator) handleAlert(ctx context.Context, s *Session, step domain.Step, report StepsPayload) error {
	s.Transition(StateHandlingAlert)

	dom := o.loadDOM(ctx, s.ID)
	analysis, err := o.ai.AnalyzeError(ctx, o.callCtx(s), report.AlertText, s.AllSteps, dom)
	if err != nil {
		return o.failOnAIError(s, err)
	}

	switch {
	case analysis.Scenario == ai.ScenarioA:
		// Not a validation error; accept the alert and keep executing
		s.AllSteps = append(s.AllSteps, step)
		s.CurrentStepIndex++
		if s.NextStep() != nil {
			s.Transition(StateExecutingStep)
			return o.enqueueNextStep(ctx, s)
		}
		s.VerificationPhase = true
		s.Transition(StateExtractingDOM)
		return o.enqueueDOMRequest(ctx, s)

	case analysis.IssueType == ai.IssueReal:
		// The application falsely rejects a field we filled. Reportable
		// defect; this path is done.
		s.Defects = append(s.Defects, Defect{
			Kind:       "false_validation",
			Summary:    analysis.Summary,
			Fields:     analysis.ProblematicFields,
			AlertText:  report.AlertText,
			PathIndex:  s.CurrentPath,
			DetectedAt: s.UpdatedAt,
		})
		return o.completePath(ctx, s)

	default:
		// Our mistake: pin the problematic fields and regenerate from the
		// current DOM with the checklist in the prompt
		for _, field := range analysis.ProblematicFields {
			s.CriticalFields[field] = analysis.FieldRequirements[field]
		}
		result, err := o.ai.RegenerateSteps(ctx, o.callCtx(s), dom, s.AllSteps, criticalNotes(s.CriticalFields), report.AlertText)
		if err != nil {
			return o.failOnAIError(s, err)
		}
		s.PendingSteps = result.Steps
		s.CurrentStepIndex = 0
		s.Transition(StateExecutingStep)
		return o.enqueueNextStep(ctx, s)
	}
}

func (o *Orchestrator) handleStepFailure(ctx context.Context, s *Session, step domain.Step, errMsg string) error {
	s.RetryCount++
	if s.RetryCount > s.Config.MaxRetries {
		s.Fail(domain.ErrCodeElementNotFound,
			fmt.Sprintf("step %s %s failed after %d attempts: %s", step.Action, step.Selector, s.RetryCount-1, errMsg))
		return nil
	}

	if s.RecordRecovery(step.Action, step.Selector) {
		s.Fail(domain.ErrCodeUnknown,
			fmt.Sprintf("recovery loop on %s %s, session unrecoverable", step.Action, step.Selector))
		return nil
	}

	dom := o.loadDOM(ctx, s.ID)
	recovery, err := o.ai.AnalyzeFailureAndRecover(ctx, o.callCtx(s), step, s.AllSteps, dom)
	if err != nil {
		return o.failOnAIError(s, err)
	}

	remaining := s.PendingSteps[s.CurrentStepIndex:]
	s.PendingSteps = append(recovery, remaining...)
	s.CurrentStepIndex = 0
	s.Transition(StateExecutingStep)
	return o.enqueueNextStep(ctx, s)
}

// verifyJunction asks the vision model whether the selection really changed
// the field set. Verification failure defaults to keeping the junction.
func (o *Orchestrator) verifyJunction(ctx context.Context, s *Session, step domain.Step, report StepsPayload) {
	keep := true
	var worth []string
	if report.BeforeScreenshot != "" && report.AfterScreenshot != "" {
		verdict, err := o.ai.VerifyJunction(ctx, o.callCtx(s), report.BeforeScreenshot, report.AfterScreenshot, step)
		if err != nil {
			o.logger.Warn("junction verification failed, keeping junction",
				zap.String("session_id", s.ID), zap.Error(err))
		} else {
			keep = verdict.IsJunction
			worth = verdict.WorthExploring
		}
	}
	if !keep {
		return
	}

	j := Junction{
		Selector:      step.Selector,
		SelectedValue: step.Value,
		OtherValues:   worth,
	}
	if step.JunctionInfo != nil {
		j.FieldName = step.JunctionInfo.FieldName
		if len(worth) == 0 {
			j.OtherValues = step.JunctionInfo.OtherValues
		}
	}
	s.Junctions = append(s.Junctions, j)
	s.TotalPathsDiscovered++
}

// planVerification turns executed fill values into verify steps. Expected
// values come from what we typed, never from the page after submit.
func (o *Orchestrator) planVerification(ctx context.Context, s *Session, dom string) error {
	filled := s.ExecutedFillValues()
	if len(filled) == 0 {
		return o.completePath(ctx, s)
	}

	result, err := o.ai.RegenerateVerifySteps(ctx, o.callCtx(s), dom, filled)
	if err != nil {
		return o.failOnAIError(s, err)
	}
	if len(result.Steps) == 0 {
		return o.completePath(ctx, s)
	}

	s.PendingSteps = result.Steps
	s.CurrentStepIndex = 0
	s.Transition(StateExecutingStep)
	return o.enqueueNextStep(ctx, s)
}

// completePath runs optional UI verification, archives the path, and either
// starts the next one or moves to test-case assignment
func (o *Orchestrator) completePath(ctx context.Context, s *Session) error {
	s.Transition(StatePathComplete)

	if s.Config.EnableUIVerification {
		o.checkUIDefects(ctx, s)
	}

	morePathsKnown := len(s.Junctions) > 0 || s.TotalPathsDiscovered > s.CurrentPath
	s.FinishPath()

	if !morePathsKnown || s.CurrentPath >= s.Config.MaxJunctionPaths {
		return o.finishMapping(ctx, s)
	}

	route, err := o.routes.GetByID(ctx, s.FormRouteID)
	if err != nil {
		return err
	}
	if len(route.NavigationSteps) > 0 {
		s.Transition(StateNavigating)
		return o.enqueueSteps(ctx, s, domain.TaskTypeExecuteSteps, route.URL, route.NavigationSteps)
	}
	s.Transition(StateExtractingDOM)
	return o.enqueueDOMRequest(ctx, s)
}

func (o *Orchestrator) checkUIDefects(ctx context.Context, s *Session) {
	s.Transition(StateVerifyingUI)

	screenshot, err := o.store.GetScreenshot(ctx, s.ID)
	if err != nil || len(screenshot) == 0 {
		return
	}
	route, err := o.routes.GetByID(ctx, s.FormRouteID)
	if err != nil {
		return
	}
	result, err := o.ai.VerifyUIDefects(ctx, o.callCtx(s), route.FormName, string(screenshot))
	if err != nil {
		o.logger.Warn("ui verification failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	for _, d := range result.Defects {
		s.Defects = append(s.Defects, Defect{
			Kind:       d.Kind,
			Summary:    d.Description,
			PathIndex:  s.CurrentPath,
			DetectedAt: s.UpdatedAt,
		})
	}
}

// finishMapping assigns test cases over the explored paths and completes
func (o *Orchestrator) finishMapping(ctx context.Context, s *Session) error {
	s.Transition(StateAllPathsComplete)

	// An in-flight path that never finished still counts as explored
	if len(s.AllSteps) > 0 {
		s.FinishPath()
	}

	s.Transition(StateAssigningTests)
	assignment, err := o.ai.AssignTestCases(ctx, o.callCtx(s), s.PathSummaries(), s.TestCases)
	if err != nil {
		o.logger.Warn("test case assignment failed, completing without",
			zap.String("session_id", s.ID), zap.Error(err))
	} else {
		seen := make(map[string]bool)
		for _, a := range assignment.Assignments {
			for _, tc := range a.TestCases {
				if !seen[tc] {
					seen[tc] = true
					s.TestCases = append(s.TestCases, tc)
				}
			}
		}
	}

	// The first archived path is the canonical route through the form
	if len(s.PreviousPaths) > 0 {
		s.FinalSteps = s.PreviousPaths[0]
	}

	s.Transition(StateCompleted)
	return nil
}

// failOnAIError terminates the session on an admission failure; transient AI
// errors propagate for a retried report instead
func (o *Orchestrator) failOnAIError(s *Session, err error) error {
	if domain.IsBudgetExceeded(err) || domain.IsAccessDenied(err) {
		s.Fail(domain.SessionErrorCode(err), err.Error())
		return nil
	}
	return err
}

func (o *Orchestrator) callCtx(s *Session) ai.CallContext {
	return ai.CallContext{
		CompanyID: s.CompanyID,
		ProductID: s.ProductID,
		UserID:    s.UserID,
	}
}

func (o *Orchestrator) loadDOM(ctx context.Context, sessionID string) string {
	dom, err := o.store.GetDOM(ctx, sessionID)
	if err != nil {
		o.logger.Warn("loading buffered DOM failed", zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}
	return string(dom)
}

func (o *Orchestrator) enqueueSteps(ctx context.Context, s *Session, taskType domain.TaskType, startURL string, steps []domain.Step) error {
	task, err := domain.NewAgentTask(s.CompanyID, s.UserID, taskType, domain.ExecuteStepsParams{
		MapperSession: s.ID,
		StartURL:      startURL,
		Steps:         steps,
	})
	if err != nil {
		return err
	}
	return o.bus.Enqueue(ctx, task)
}

func (o *Orchestrator) enqueueNextStep(ctx context.Context, s *Session) error {
	step := s.NextStep()
	if step == nil {
		return domain.ValidationError("session", "no step to enqueue")
	}
	task, err := domain.NewAgentTask(s.CompanyID, s.UserID, domain.TaskTypeFormMapperStep, domain.ExecuteStepsParams{
		MapperSession: s.ID,
		Steps:         []domain.Step{*step},
	})
	if err != nil {
		return err
	}
	return o.bus.Enqueue(ctx, task)
}

func (o *Orchestrator) enqueueDOMRequest(ctx context.Context, s *Session) error {
	task, err := domain.NewAgentTask(s.CompanyID, s.UserID, domain.TaskTypeFormMapperDOM, domain.FormMapperDOMParams{
		MapperSession: s.ID,
		IncludeJS:     s.Config.IncludeJSInDOM,
	})
	if err != nil {
		return err
	}
	return o.bus.Enqueue(ctx, task)
}

func decodePayload(payload json.RawMessage, v any) {
	if len(payload) == 0 {
		return
	}
	_ = json.Unmarshal(payload, v)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func criticalNotes(fields map[string]string) []string {
	notes := make([]string, 0, len(fields))
	for field, req := range fields {
		if req == "" {
			notes = append(notes, fmt.Sprintf("field %q must be filled", field))
		} else {
			notes = append(notes, fmt.Sprintf("field %q: %s", field, req))
		}
	}
	return notes
}

func stepLines(steps []domain.Step) []string {
	lines := make([]string, 0, len(steps))
	for _, st := range steps {
		switch st.Action {
		case domain.ActionFill, domain.ActionSelect:
			lines = append(lines, fmt.Sprintf("%s %s = %q", st.Action, st.Selector, st.Value))
		default:
			lines = append(lines, fmt.Sprintf("%s %s", st.Action, st.Selector))
		}
	}
	return lines
}
