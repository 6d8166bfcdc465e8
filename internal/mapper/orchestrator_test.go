package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/formscout/formscout/internal/ai"
	"github.com/formscout/formscout/internal/domain"
)

type memStore struct {
	mu          sync.Mutex
	sessions    map[string][]byte
	doms        map[string][]byte
	screenshots map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		sessions:    make(map[string][]byte),
		doms:        make(map[string][]byte),
		screenshots: make(map[string][]byte),
	}
}

func (m *memStore) GetMapperSession(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

func (m *memStore) PutMapperSession(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = data
	return nil
}

func (m *memStore) UpdateMapperSession(_ context.Context, id string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.sessions[id])
	if err != nil {
		return err
	}
	m.sessions[id] = next
	return nil
}

func (m *memStore) DeleteMapperSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.doms, id)
	delete(m.screenshots, id)
	return nil
}

func (m *memStore) SetDOM(_ context.Context, id string, dom []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doms[id] = dom
	return nil
}

func (m *memStore) GetDOM(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doms[id], nil
}

func (m *memStore) SetScreenshot(_ context.Context, id string, img []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screenshots[id] = img
	return nil
}

func (m *memStore) GetScreenshot(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenshots[id], nil
}

type scriptedAI struct {
	formSteps   []*ai.StepsResult
	formCalls   int
	regenerated *ai.StepsResult
	regenNotes  []string
	verifySteps *ai.StepsResult
	analysis    *ai.ErrorAnalysis
	recovery    []domain.Step
	junction    *ai.JunctionVerdict
	defects     *ai.UIDefectsResult
	assignment  *ai.TestCaseAssignment
	assignCalls int
	err         error
}

func (s *scriptedAI) GenerateFormSteps(_ context.Context, _ ai.CallContext, _ string, _, _, _ []string) (*ai.StepsResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	result := s.formSteps[min(s.formCalls, len(s.formSteps)-1)]
	s.formCalls++
	return result, nil
}

func (s *scriptedAI) RegenerateSteps(_ context.Context, _ ai.CallContext, _ string, _ []domain.Step, _ []string, note string) (*ai.StepsResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.regenNotes = append(s.regenNotes, note)
	return s.regenerated, nil
}

func (s *scriptedAI) RegenerateVerifySteps(_ context.Context, _ ai.CallContext, _ string, _ map[string]string) (*ai.StepsResult, error) {
	return s.verifySteps, nil
}

func (s *scriptedAI) AnalyzeError(_ context.Context, _ ai.CallContext, _ string, _ []domain.Step, _ string) (*ai.ErrorAnalysis, error) {
	return s.analysis, nil
}

func (s *scriptedAI) AnalyzeFailureAndRecover(_ context.Context, _ ai.CallContext, _ domain.Step, _ []domain.Step, _ string) ([]domain.Step, error) {
	return s.recovery, nil
}

func (s *scriptedAI) VerifyJunction(_ context.Context, _ ai.CallContext, _, _ string, _ domain.Step) (*ai.JunctionVerdict, error) {
	if s.junction == nil {
		return nil, context.DeadlineExceeded
	}
	return s.junction, nil
}

func (s *scriptedAI) VerifyUIDefects(_ context.Context, _ ai.CallContext, _, _ string) (*ai.UIDefectsResult, error) {
	if s.defects == nil {
		return &ai.UIDefectsResult{}, nil
	}
	return s.defects, nil
}

func (s *scriptedAI) AssignTestCases(_ context.Context, _ ai.CallContext, _, _ []string) (*ai.TestCaseAssignment, error) {
	s.assignCalls++
	if s.assignment == nil {
		return &ai.TestCaseAssignment{}, nil
	}
	return s.assignment, nil
}

type recordingBus struct {
	tasks []*domain.AgentTask
}

func (b *recordingBus) Enqueue(_ context.Context, task *domain.AgentTask) error {
	b.tasks = append(b.tasks, task)
	return nil
}

func (b *recordingBus) last(t *testing.T) *domain.AgentTask {
	t.Helper()
	if len(b.tasks) == 0 {
		t.Fatal("no task enqueued")
	}
	return b.tasks[len(b.tasks)-1]
}

type stubNetworks struct{ network *domain.Network }

func (s *stubNetworks) GetByID(_ context.Context, _ int64) (*domain.Network, error) {
	return s.network, nil
}
func (s *stubNetworks) UpdateLoginStages(_ context.Context, _ int64, _ []domain.Step) error {
	return nil
}
func (s *stubNetworks) UpdateLogoutStages(_ context.Context, _ int64, _ []domain.Step) error {
	return nil
}

type stubRoutes struct{ route *domain.FormPageRoute }

func (s *stubRoutes) Create(_ context.Context, _ *domain.FormPageRoute) error { return nil }
func (s *stubRoutes) GetByID(_ context.Context, _ int64) (*domain.FormPageRoute, error) {
	return s.route, nil
}
func (s *stubRoutes) ListByProject(_ context.Context, _ int64) ([]*domain.FormPageRoute, error) {
	return nil, nil
}
func (s *stubRoutes) ListBySession(_ context.Context, _ int64) ([]*domain.FormPageRoute, error) {
	return nil, nil
}
func (s *stubRoutes) MarkVerified(_ context.Context, _ int64, _ int, _ time.Time) error {
	return nil
}
func (s *stubRoutes) RebuildHierarchy(_ context.Context, _ int64, _ []domain.ProjectFormHierarchy) error {
	return nil
}

type fixture struct {
	orch  *Orchestrator
	ai    *scriptedAI
	store *memStore
	bus   *recordingBus
	net   *stubNetworks
	route *stubRoutes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ai:    &scriptedAI{},
		store: newMemStore(),
		bus:   &recordingBus{},
		net: &stubNetworks{network: &domain.Network{
			ID:       5,
			LoginURL: "https://app.example.com/login",
			LoginStages: []domain.Step{
				{Action: domain.ActionFill, Selector: "#user", Value: "alice"},
				{Action: domain.ActionClick, Selector: "#login"},
			},
		}},
		route: &stubRoutes{route: &domain.FormPageRoute{
			ID:        6,
			ProjectID: 4,
			NetworkID: 5,
			FormName:  "New Order",
			URL:       "https://app.example.com/orders/new",
			NavigationSteps: []domain.Step{
				{Action: domain.ActionClick, Selector: "#orders"},
				{Action: domain.ActionClick, Selector: "#new-order"},
			},
		}},
	}
	f.orch = NewOrchestrator(f.ai, f.store, f.net, f.route, f.bus, nil, nil)
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	s, err := f.orch.Start(context.Background(), StartRequest{
		UserID: 1, CompanyID: 2, ProductID: 3, FormRouteID: 6,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func (f *fixture) report(t *testing.T, id string, taskType domain.TaskType, success bool, payload any, errMsg string) string {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	next, err := f.orch.HandleAgentResult(context.Background(), id, taskType, success, raw, errMsg)
	if err != nil {
		t.Fatalf("HandleAgentResult(%s): %v", taskType, err)
	}
	return next
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.orch.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s
}

// drive the session from start through login and navigation to the first DOM
// request
func (f *fixture) toExtractingDOM(t *testing.T) *Session {
	t.Helper()
	s := f.start(t)
	f.report(t, s.ID, domain.TaskTypeFormMapperLogin, true, nil, "")
	f.report(t, s.ID, domain.TaskTypeExecuteSteps, true, nil, "")
	got := f.session(t, s.ID)
	if got.State != StateExtractingDOM {
		t.Fatalf("state = %s, want extracting_dom", got.State)
	}
	return got
}

func TestStart_WithLoginStages(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	if s.State != StateLoggingIn {
		t.Errorf("state = %s", s.State)
	}
	task := f.bus.last(t)
	if task.TaskType != domain.TaskTypeFormMapperLogin {
		t.Errorf("task type = %s", task.TaskType)
	}

	var params domain.ExecuteStepsParams
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.MapperSession != s.ID || len(params.Steps) != 2 {
		t.Errorf("params = %+v", params)
	}
}

func TestStart_NoLoginStagesSkipsToNavigation(t *testing.T) {
	f := newFixture(t)
	f.net.network.LoginStages = nil

	s := f.start(t)
	if s.State != StateNavigating {
		t.Errorf("state = %s", s.State)
	}
	if f.bus.last(t).TaskType != domain.TaskTypeExecuteSteps {
		t.Errorf("task type = %s", f.bus.last(t).TaskType)
	}
}

func TestStart_NoLoginNoNavigationGoesStraightToDOM(t *testing.T) {
	f := newFixture(t)
	f.net.network.LoginStages = nil
	f.route.route.NavigationSteps = nil

	s := f.start(t)
	if s.State != StateExtractingDOM {
		t.Errorf("state = %s", s.State)
	}
	if f.bus.last(t).TaskType != domain.TaskTypeFormMapperDOM {
		t.Errorf("task type = %s", f.bus.last(t).TaskType)
	}
}

func TestLoginFailure_TerminatesSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	next := f.report(t, s.ID, domain.TaskTypeFormMapperLogin, false, StepsPayload{LoginFailed: true}, "credentials rejected")
	if next != NextFailed {
		t.Errorf("next = %s", next)
	}
	got := f.session(t, s.ID)
	if got.State != StateFailed || got.ErrorCode != domain.ErrCodeLoginFailed {
		t.Errorf("state = %s, code = %s", got.State, got.ErrorCode)
	}
}

func TestAlreadyLoggedIn_CountsAsSuccess(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	next := f.report(t, s.ID, domain.TaskTypeFormMapperLogin, false, StepsPayload{AlreadyLoggedIn: true}, "")
	if next != NextContinue {
		t.Errorf("next = %s", next)
	}
	if got := f.session(t, s.ID); got.State != StateNavigating {
		t.Errorf("state = %s", got.State)
	}
}

func TestDOMResult_GeneratesAndDispatchesSteps(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionFill, Selector: "#name", Value: "Acme"},
		{Action: domain.ActionClick, Selector: "#save"},
	}}}
	s := f.toExtractingDOM(t)

	next := f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true,
		DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")
	if next != NextContinue {
		t.Errorf("next = %s", next)
	}

	got := f.session(t, s.ID)
	if got.State != StateExecutingStep || len(got.PendingSteps) != 2 {
		t.Fatalf("state = %s, pending = %d", got.State, len(got.PendingSteps))
	}

	task := f.bus.last(t)
	if task.TaskType != domain.TaskTypeFormMapperStep {
		t.Errorf("task type = %s", task.TaskType)
	}
	var params domain.ExecuteStepsParams
	json.Unmarshal(task.Parameters, &params)
	if len(params.Steps) != 1 || params.Steps[0].Selector != "#name" {
		t.Errorf("dispatched step = %+v", params.Steps)
	}
}

func TestDOMResult_NoMorePathsCompletes(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{NoMorePaths: true}}
	s := f.toExtractingDOM(t)

	next := f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true,
		DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")
	if next != NextCompleted {
		t.Errorf("next = %s", next)
	}
	if got := f.session(t, s.ID); got.State != StateCompleted {
		t.Errorf("state = %s", got.State)
	}
	if f.ai.assignCalls != 1 {
		t.Errorf("assignCalls = %d", f.ai.assignCalls)
	}
}

func TestDOMResult_PageErrorFails(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{PageErrorDetected: true, PageErrorCode: domain.ErrCodeServerError}}
	s := f.toExtractingDOM(t)

	next := f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true,
		DOMPayload{DOMHTML: "<h1>500</h1>", DOMHash: "h1"}, "")
	if next != NextFailed {
		t.Errorf("next = %s", next)
	}
	got := f.session(t, s.ID)
	if got.ErrorCode != domain.ErrCodeServerError {
		t.Errorf("code = %s", got.ErrorCode)
	}
}

// full single-path run: fill, save, verify, complete
func TestFullPath_VerificationUsesTypedValues(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionFill, Selector: "#name", FieldName: "Name", Value: "Acme"},
		{Action: domain.ActionClick, Selector: "#save"},
	}}}
	f.ai.verifySteps = &ai.StepsResult{Steps: []domain.Step{
		{Action: domain.ActionVerify, Selector: "#name-cell", Value: "Acme"},
	}}
	s := f.toExtractingDOM(t)

	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")
	f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, nil, "")
	f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, nil, "")

	// Path drained; orchestrator fetches post-submit DOM for verification
	got := f.session(t, s.ID)
	if got.State != StateExtractingDOM || !got.VerificationPhase {
		t.Fatalf("state = %s, verification = %v", got.State, got.VerificationPhase)
	}

	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<table/>", DOMHash: "h2"}, "")
	got = f.session(t, s.ID)
	if got.State != StateExecutingStep || len(got.PendingSteps) != 1 {
		t.Fatalf("verification not planned: state = %s", got.State)
	}
	if got.PendingSteps[0].Action != domain.ActionVerify {
		t.Errorf("verify step = %+v", got.PendingSteps[0])
	}

	next := f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, nil, "")
	if next != NextCompleted {
		t.Errorf("next = %s", next)
	}
	got = f.session(t, s.ID)
	if got.State != StateCompleted {
		t.Errorf("state = %s", got.State)
	}
	if len(got.FinalSteps) == 0 {
		t.Error("final steps not recorded")
	}
}

func TestAlert_ScenarioA_AcceptsAndContinues(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionClick, Selector: "#tab"},
		{Action: domain.ActionFill, Selector: "#name", Value: "Acme"},
	}}}
	f.ai.analysis = &ai.ErrorAnalysis{Scenario: ai.ScenarioA}
	s := f.toExtractingDOM(t)
	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")

	next := f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, StepsPayload{AlertFired: true, AlertText: "unsaved changes"}, "")
	if next != NextContinue {
		t.Errorf("next = %s", next)
	}
	got := f.session(t, s.ID)
	if got.State != StateExecutingStep || got.CurrentStepIndex != 1 {
		t.Errorf("state = %s, index = %d", got.State, got.CurrentStepIndex)
	}
}

func TestAlert_RealIssue_RecordsDefectAndAbortsPath(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionClick, Selector: "#save"},
	}}}
	f.ai.analysis = &ai.ErrorAnalysis{
		Scenario:          ai.ScenarioB,
		IssueType:         ai.IssueReal,
		Summary:           "claims Name is empty although it was filled",
		ProblematicFields: []string{"Name"},
	}
	s := f.toExtractingDOM(t)
	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")

	next := f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, StepsPayload{AlertFired: true, AlertText: "Name is required"}, "")
	if next != NextCompleted {
		t.Errorf("next = %s", next)
	}
	got := f.session(t, s.ID)
	if len(got.Defects) != 1 || got.Defects[0].Kind != "false_validation" {
		t.Errorf("defects = %+v", got.Defects)
	}
}

func TestAlert_AIIssue_PinsCriticalFieldsAndRegenerates(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionClick, Selector: "#save"},
	}}}
	f.ai.analysis = &ai.ErrorAnalysis{
		Scenario:          ai.ScenarioB,
		IssueType:         ai.IssueAI,
		ProblematicFields: []string{"email"},
		FieldRequirements: map[string]string{"email": "must be a valid address"},
	}
	f.ai.regenerated = &ai.StepsResult{Steps: []domain.Step{
		{Action: domain.ActionFill, Selector: "#email", Value: "a@b.c"},
		{Action: domain.ActionClick, Selector: "#save"},
	}}
	s := f.toExtractingDOM(t)
	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")

	next := f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, StepsPayload{AlertFired: true, AlertText: "email invalid"}, "")
	if next != NextContinue {
		t.Errorf("next = %s", next)
	}
	got := f.session(t, s.ID)
	if got.CriticalFields["email"] != "must be a valid address" {
		t.Errorf("critical fields = %v", got.CriticalFields)
	}
	if len(got.PendingSteps) != 2 || got.CurrentStepIndex != 0 {
		t.Errorf("regenerated plan = %+v", got.PendingSteps)
	}
}

func TestStepFailure_RecoversThenGivesUp(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionClick, Selector: "#flaky"},
	}}}
	f.ai.recovery = []domain.Step{{Action: domain.ActionWait, Value: "2"}}
	s := f.toExtractingDOM(t)
	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")

	// Retries 1..3 insert recovery steps
	for i := 0; i < 3; i++ {
		next := f.report(t, s.ID, domain.TaskTypeFormMapperStep, false, nil, "element not interactable")
		if next != NextContinue {
			t.Fatalf("retry %d: next = %s", i+1, next)
		}
	}
	got := f.session(t, s.ID)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d", got.RetryCount)
	}

	next := f.report(t, s.ID, domain.TaskTypeFormMapperStep, false, nil, "element not interactable")
	if next != NextFailed {
		t.Errorf("next = %s", next)
	}
	got = f.session(t, s.ID)
	if got.State != StateFailed || got.ErrorCode != domain.ErrCodeElementNotFound {
		t.Errorf("state = %s, code = %s", got.State, got.ErrorCode)
	}
}

func TestBudgetExceeded_TerminatesSession(t *testing.T) {
	f := newFixture(t)
	f.ai.err = &domain.BudgetExceeded{CompanyID: 2, Total: 10, Used: 10}
	s := f.toExtractingDOM(t)

	next := f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")
	if next != NextFailed {
		t.Errorf("next = %s", next)
	}
	got := f.session(t, s.ID)
	if got.ErrorCode != domain.ErrCodeBudgetExceeded {
		t.Errorf("code = %s", got.ErrorCode)
	}
}

func TestJunction_DiscoveryOpensSecondPath(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{
		{Steps: []domain.Step{
			{Action: domain.ActionSelect, Selector: "#type", Value: "Business", IsJunction: true,
				JunctionInfo: &domain.JunctionInfo{FieldName: "Type", SelectedValue: "Business", OtherValues: []string{"Private"}}},
			{Action: domain.ActionClick, Selector: "#save"},
		}},
		{NoMorePaths: true},
	}
	f.ai.junction = &ai.JunctionVerdict{IsJunction: true, FieldName: "Type", WorthExploring: []string{"Private"}}
	f.ai.verifySteps = &ai.StepsResult{}
	s := f.toExtractingDOM(t)

	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")
	f.report(t, s.ID, domain.TaskTypeFormMapperStep, true,
		StepsPayload{BeforeScreenshot: "b64a", AfterScreenshot: "b64b"}, "")

	got := f.session(t, s.ID)
	if len(got.Junctions) != 1 || got.Junctions[0].FieldName != "Type" {
		t.Fatalf("junctions = %+v", got.Junctions)
	}

	// Finish the path; the junction should trigger a replay for path 2
	f.report(t, s.ID, domain.TaskTypeFormMapperStep, true, nil, "")
	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<table/>", DOMHash: "h2"}, "")

	got = f.session(t, s.ID)
	if got.State != StateNavigating {
		t.Fatalf("state = %s, want navigating into second path", got.State)
	}
	if got.CurrentPath != 1 || len(got.PreviousPaths) != 1 {
		t.Errorf("paths: current = %d, previous = %d", got.CurrentPath, len(got.PreviousPaths))
	}
}

func TestJunction_VerifyFailureDefaultsToKeeping(t *testing.T) {
	f := newFixture(t)
	f.ai.formSteps = []*ai.StepsResult{{Steps: []domain.Step{
		{Action: domain.ActionSelect, Selector: "#type", Value: "Business", IsJunction: true},
		{Action: domain.ActionClick, Selector: "#save"},
	}}}
	f.ai.junction = nil // VerifyJunction errors
	s := f.toExtractingDOM(t)

	f.report(t, s.ID, domain.TaskTypeFormMapperDOM, true, DOMPayload{DOMHTML: "<form/>", DOMHash: "h1"}, "")
	f.report(t, s.ID, domain.TaskTypeFormMapperStep, true,
		StepsPayload{BeforeScreenshot: "b64a", AfterScreenshot: "b64b"}, "")

	got := f.session(t, s.ID)
	if len(got.Junctions) != 1 {
		t.Errorf("junction dropped on verify failure: %+v", got.Junctions)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	if err := f.orch.Cancel(ctx, s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.orch.Cancel(ctx, s.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	got := f.session(t, s.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s", got.State)
	}

	// Late result against a cancelled session is a no-op
	next := f.report(t, s.ID, domain.TaskTypeFormMapperLogin, true, nil, "")
	if next != NextCancelled {
		t.Errorf("next = %s", next)
	}
}

func TestDelete_RefusesActiveSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	err := f.orch.Delete(context.Background(), s.ID)
	var derr *domain.DomainError
	if !errors.As(err, &derr) || derr.Code != domain.ErrCodeConflict {
		t.Fatalf("Delete on active session: got %v, want conflict", err)
	}
}

func TestDelete_RemovesFinishedSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	if err := f.store.SetDOM(ctx, s.ID, []byte("<form/>")); err != nil {
		t.Fatalf("SetDOM: %v", err)
	}
	if err := f.orch.Cancel(ctx, s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.orch.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := f.orch.Get(ctx, s.ID); !errors.Is(err, domain.ErrNotFoundVal) {
		t.Errorf("Get after delete: got %v, want not found", err)
	}
	if dom, _ := f.store.GetDOM(ctx, s.ID); dom != nil {
		t.Error("DOM buffer survived delete")
	}
}
