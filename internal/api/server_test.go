package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/internal/ai"
	"github.com/formscout/formscout/internal/budget"
	"github.com/formscout/formscout/internal/config"
	"github.com/formscout/formscout/internal/crypto"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/mapper"
	"github.com/formscout/formscout/internal/taskbus"
)

// fakes

type fakeBus struct {
	registered  *taskbus.RegisterRequest
	enqueued    []*domain.AgentTask
	pollResult  *domain.AgentTask
	reports     []taskbus.ReportRequest
	mapperNext  string
	heartbeatOK bool
}

func (f *fakeBus) Register(_ context.Context, req taskbus.RegisterRequest) (*taskbus.RegisterResponse, error) {
	f.registered = &req
	return &taskbus.RegisterResponse{APIKey: "issued-key", Token: "issued-jwt", ExpiresIn: 1800}, nil
}

func (f *fakeBus) RefreshToken(_ context.Context, apiKey string) (*taskbus.RegisterResponse, error) {
	if apiKey != "key-1" {
		return nil, domain.ErrSessionInvalidatedVal
	}
	return &taskbus.RegisterResponse{Token: "fresh-jwt", ExpiresIn: 1800}, nil
}

func (f *fakeBus) Heartbeat(_ context.Context, _ taskbus.HeartbeatRequest) (*taskbus.HeartbeatResponse, error) {
	return &taskbus.HeartbeatResponse{CancelRequested: f.heartbeatOK}, nil
}

func (f *fakeBus) Enqueue(_ context.Context, task *domain.AgentTask) error {
	f.enqueued = append(f.enqueued, task)
	return nil
}

func (f *fakeBus) PollTask(_ context.Context, _ int64) (*domain.AgentTask, error) {
	return f.pollResult, nil
}

func (f *fakeBus) ReportTaskStatus(_ context.Context, req taskbus.ReportRequest) error {
	f.reports = append(f.reports, req)
	return nil
}

func (f *fakeBus) ReportFormMapperResult(_ context.Context, _ taskbus.MapperReport) (*taskbus.MapperReportResponse, error) {
	return &taskbus.MapperReportResponse{NextAction: f.mapperNext}, nil
}

type fakeMapperSvc struct {
	session   *mapper.Session
	cancelled []string
	deleted   []string
}

func (f *fakeMapperSvc) Start(_ context.Context, req mapper.StartRequest) (*mapper.Session, error) {
	s := mapper.NewSession(req.UserID, req.CompanyID, req.ProductID, 1, 1, req.FormRouteID, mapper.DefaultConfig())
	s.Transition(mapper.StateLoggingIn)
	f.session = s
	return s, nil
}

func (f *fakeMapperSvc) Get(_ context.Context, sessionID string) (*mapper.Session, error) {
	if f.session == nil || f.session.ID != sessionID {
		return nil, domain.NotFoundError("mapper session", sessionID)
	}
	return f.session, nil
}

func (f *fakeMapperSvc) Cancel(_ context.Context, sessionID string) error {
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeMapperSvc) Delete(_ context.Context, sessionID string) error {
	if f.session == nil || f.session.ID != sessionID {
		return domain.NotFoundError("mapper session", sessionID)
	}
	if !f.session.State.IsTerminal() {
		return &domain.DomainError{Code: domain.ErrCodeConflict, Message: "session is still active"}
	}
	f.session = nil
	f.deleted = append(f.deleted, sessionID)
	return nil
}

type fakeBroker struct {
	answer bool
	err    error
}

func (f *fakeBroker) GenerateLoginSteps(_ context.Context, _ ai.CallContext, _ string, _ map[string]string, _ string) (*ai.StepsResult, error) {
	return &ai.StepsResult{Steps: []domain.Step{{Action: domain.ActionFill, Selector: "#user"}}}, f.err
}
func (f *fakeBroker) GenerateLogoutSteps(_ context.Context, _ ai.CallContext, _, _ string) (*ai.StepsResult, error) {
	return &ai.StepsResult{}, f.err
}
func (f *fakeBroker) ExtractFormName(_ context.Context, _ ai.CallContext, _ string, _ []string) (string, error) {
	return "New Order", f.err
}
func (f *fakeBroker) ExtractParentFields(_ context.Context, _ ai.CallContext, _, _ string) (*ai.ParentFieldsResult, error) {
	return &ai.ParentFieldsResult{}, f.err
}
func (f *fakeBroker) VerifyUIDefects(_ context.Context, _ ai.CallContext, _, _ string) (*ai.UIDefectsResult, error) {
	return &ai.UIDefectsResult{}, f.err
}
func (f *fakeBroker) IsSubmissionButton(_ context.Context, _ ai.CallContext, _ string) (bool, error) {
	return f.answer, f.err
}
func (f *fakeBroker) GetNavigationClickables(_ context.Context, _ ai.CallContext, _ string, candidates []ai.ClickableCandidate) ([]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []int{0}, nil
}

type fakeGate struct{ err error }

func (f *fakeGate) Check(_ context.Context, _, _ int64, _ float64) (*budget.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &budget.Decision{Model: domain.AccessModelLegacy, Remaining: 10}, nil
}

type fakeAgents struct {
	byHash map[string]*domain.Agent
	byUser map[int64]*domain.Agent
}

func (f *fakeAgents) Upsert(_ context.Context, _ *domain.Agent) error { return nil }

func (f *fakeAgents) GetByUserID(_ context.Context, userID int64) (*domain.Agent, error) {
	a, ok := f.byUser[userID]
	if !ok {
		return nil, domain.NotFoundError("agent", userID)
	}
	return a, nil
}

func (f *fakeAgents) GetByAPIKeyHash(_ context.Context, hash string) (*domain.Agent, error) {
	a, ok := f.byHash[hash]
	if !ok {
		return nil, domain.ErrSessionInvalidatedVal
	}
	return a, nil
}

func (f *fakeAgents) UpdateHeartbeat(_ context.Context, _ string, _ domain.AgentStatus, _ *uuid.UUID, _ *int64) error {
	return nil
}

type fakeSessions struct {
	nextID    int64
	byID      map[int64]*domain.CrawlSession
	cancelled []int64
}

func (f *fakeSessions) Create(_ context.Context, s *domain.CrawlSession) error {
	f.nextID++
	s.ID = f.nextID
	f.byID[s.ID] = s
	return nil
}

func (f *fakeSessions) GetByID(_ context.Context, id int64) (*domain.CrawlSession, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFoundError("crawl session", id)
	}
	return s, nil
}

func (f *fakeSessions) Update(_ context.Context, s *domain.CrawlSession) error {
	f.byID[s.ID] = s
	return nil
}

func (f *fakeSessions) RequestCancel(_ context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSessions) UpdateProgress(_ context.Context, id int64, pages, forms int) error {
	if s, ok := f.byID[id]; ok {
		s.PagesCrawled, s.FormsFound = pages, forms
	}
	return nil
}

type fakeNetworks struct{ network *domain.Network }

func (f *fakeNetworks) GetByID(_ context.Context, id int64) (*domain.Network, error) {
	if f.network == nil || f.network.ID != id {
		return nil, domain.NotFoundError("network", id)
	}
	return f.network, nil
}
func (f *fakeNetworks) UpdateLoginStages(_ context.Context, _ int64, _ []domain.Step) error  { return nil }
func (f *fakeNetworks) UpdateLogoutStages(_ context.Context, _ int64, _ []domain.Step) error { return nil }

type fakeRoutes struct {
	created []*domain.FormPageRoute
}

func (f *fakeRoutes) Create(_ context.Context, r *domain.FormPageRoute) error {
	r.ID = int64(len(f.created) + 1)
	f.created = append(f.created, r)
	return nil
}
func (f *fakeRoutes) GetByID(_ context.Context, id int64) (*domain.FormPageRoute, error) {
	return nil, domain.NotFoundError("form page route", id)
}
func (f *fakeRoutes) ListByProject(_ context.Context, _ int64) ([]*domain.FormPageRoute, error) {
	return f.created, nil
}
func (f *fakeRoutes) ListBySession(_ context.Context, _ int64) ([]*domain.FormPageRoute, error) {
	return f.created, nil
}
func (f *fakeRoutes) MarkVerified(_ context.Context, _ int64, _ int, _ time.Time) error { return nil }
func (f *fakeRoutes) RebuildHierarchy(_ context.Context, _ int64, _ []domain.ProjectFormHierarchy) error {
	return nil
}

type fakeUsage struct{ bySession map[int64]float64 }

func (f *fakeUsage) Insert(_ context.Context, _ *domain.ApiUsage) error        { return nil }
func (f *fakeUsage) InsertBatch(_ context.Context, _ []*domain.ApiUsage) error { return nil }
func (f *fakeUsage) SumForSession(_ context.Context, sessionID int64) (float64, error) {
	return f.bySession[sessionID], nil
}

// harness

type harness struct {
	srv      *httptest.Server
	api      *Server
	bus      *fakeBus
	mapperFk *fakeMapperSvc
	broker   *fakeBroker
	gate     *fakeGate
	agents   *fakeAgents
	sessions *fakeSessions
	networks *fakeNetworks
	routes   *fakeRoutes
	usage    *fakeUsage
	issuer   *taskbus.TokenIssuer

	agentKey string
	agentJWT string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	issuer := taskbus.NewTokenIssuer("test-secret", 0)
	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:            uuid.New(),
		AgentID:       "agent-1",
		UserID:        7,
		CompanyID:     3,
		LastHeartbeat: &now,
		Status:        domain.AgentStatusIdle,
	}
	jwt, _, err := issuer.Issue(agent)
	require.NoError(t, err)

	h := &harness{
		bus:      &fakeBus{mapperNext: mapper.NextContinue},
		mapperFk: &fakeMapperSvc{},
		broker:   &fakeBroker{answer: true},
		gate:     &fakeGate{},
		agents: &fakeAgents{
			byHash: map[string]*domain.Agent{crypto.HashAPIKey("key-1"): agent},
			byUser: map[int64]*domain.Agent{7: agent},
		},
		sessions: &fakeSessions{byID: make(map[int64]*domain.CrawlSession)},
		networks: &fakeNetworks{network: &domain.Network{
			ID:        11,
			ProjectID: 4,
			CompanyID: 3,
			BaseURL:   "https://erp.example.com",
			LoginURL:  "https://erp.example.com/login",
			LoginStages: []domain.Step{
				{Action: domain.ActionFill, Selector: "#user", Value: "{{username}}"},
			},
		}},
		routes:   &fakeRoutes{},
		usage:    &fakeUsage{bySession: make(map[int64]float64)},
		issuer:   issuer,
		agentKey: "key-1",
		agentJWT: jwt,
	}

	cfg := &config.Config{}
	cfg.Security.AgentRegisterToken = "reg-secret"
	cfg.Crawler.MaxDepth = 20

	h.api = NewServer(cfg, h.bus, h.mapperFk, h.broker, h.gate, nil, issuer,
		h.agents, h.sessions, h.networks, h.routes, h.usage, nil, nil, nil)
	h.srv = httptest.NewServer(h.api.Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) request(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-Agent-API-Key", h.agentKey)
		req.Header.Set("Authorization", "Bearer "+h.agentJWT)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
}

// tests

func TestRegister_RejectsBadToken(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/agents/register",
		bytes.NewBufferString(`{"agent_id":"a","company_id":1,"user_id":2}`))
	req.Header.Set("X-Register-Token", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, h.bus.registered)
}

func TestRegister_IssuesCredentials(t *testing.T) {
	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/v1/agents/register",
		bytes.NewBufferString(`{"agent_id":"a","company_id":1,"user_id":2}`))
	req.Header.Set("X-Register-Token", "reg-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body taskbus.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "issued-key", body.APIKey)
	assert.Equal(t, "issued-jwt", body.Token)
	require.NotNil(t, h.bus.registered)
	assert.Equal(t, "a", h.bus.registered.AgentID)
}

func TestAgentAuth_RejectsUnknownKey(t *testing.T) {
	h := newHarness(t)
	h.agentKey = "superseded-key"

	resp := h.request(t, http.MethodGet, "/api/v1/agents/tasks/poll", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, domain.ErrCodeSessionInvalidated, body.Error.Code)
}

func TestAgentAuth_RejectsForeignToken(t *testing.T) {
	h := newHarness(t)

	other := &domain.Agent{AgentID: "intruder", UserID: 99, CompanyID: 3}
	jwt, _, err := h.issuer.Issue(other)
	require.NoError(t, err)
	h.agentJWT = jwt

	resp := h.request(t, http.MethodGet, "/api/v1/agents/tasks/poll", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPoll_NoTaskIs204(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodGet, "/api/v1/agents/tasks/poll", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestPoll_ReturnsRawTask(t *testing.T) {
	h := newHarness(t)
	task, err := domain.NewAgentTask(3, 7, domain.TaskTypeDiscoverFormPages,
		domain.DiscoverFormPagesParams{CrawlSessionID: 1})
	require.NoError(t, err)
	h.bus.pollResult = task

	resp := h.request(t, http.MethodGet, "/api/v1/agents/tasks/poll", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got domain.AgentTask
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.TaskTypeDiscoverFormPages, got.TaskType)
}

func TestLocate_NoAgentOnline(t *testing.T) {
	h := newHarness(t)
	stale := time.Now().UTC().Add(-5 * time.Minute)
	h.agents.byUser[7].LastHeartbeat = &stale

	resp := h.request(t, http.MethodPost, "/api/v1/networks/11/locate", LocateRequest{
		UserID: 7, CompanyID: 3, ProductID: 2,
	}, false)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.bus.enqueued)
}

func TestLocate_BudgetExceededIs402(t *testing.T) {
	h := newHarness(t)
	h.gate.err = &domain.BudgetExceeded{CompanyID: 3, Total: 10, Used: 10, Estimated: 0.01}

	resp := h.request(t, http.MethodPost, "/api/v1/networks/11/locate", LocateRequest{
		UserID: 7, CompanyID: 3, ProductID: 2,
	}, false)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Empty(t, h.bus.enqueued)
	assert.Empty(t, h.sessions.byID)
}

func TestLocate_QueuesDiscovery(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/networks/11/locate", LocateRequest{
		UserID: 7, CompanyID: 3, ProductID: 2, TargetName: "Invoice",
	}, false)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body LocateResponse
	decodeEnvelope(t, resp, &body)
	assert.Equal(t, string(domain.SessionStatusPending), body.Status)
	assert.NotZero(t, body.CrawlSessionID)

	require.Len(t, h.bus.enqueued, 1)
	task := h.bus.enqueued[0]
	assert.Equal(t, domain.TaskTypeDiscoverFormPages, task.TaskType)
	assert.Equal(t, int64(7), task.UserID)

	var params domain.DiscoverFormPagesParams
	require.NoError(t, json.Unmarshal(task.Parameters, &params))
	assert.Equal(t, body.CrawlSessionID, params.CrawlSessionID)
	assert.Equal(t, "https://erp.example.com/login", params.StartURL)
	assert.Equal(t, 20, params.MaxDepth)
	assert.Equal(t, "Invoice", params.TargetName)
	assert.Len(t, params.LoginStages, 1)
}

func TestSessionStatus_LazyAgentDisconnect(t *testing.T) {
	h := newHarness(t)
	session := domain.NewCrawlSession(3, 2, 4, 11, 7)
	session.Start()
	require.NoError(t, h.sessions.Create(context.Background(), session))

	stale := time.Now().UTC().Add(-2 * domain.HeartbeatTimeout)
	h.agents.byUser[7].LastHeartbeat = &stale

	resp := h.request(t, http.MethodGet, "/api/v1/sessions/1", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionStatusResponse
	decodeEnvelope(t, resp, &body)
	assert.Equal(t, domain.SessionStatusFailed, body.Session.Status)
	assert.Equal(t, domain.ErrCodeAgentDisconnected, body.Session.ErrorCode)
	// persisted, not just decorated
	assert.Equal(t, domain.SessionStatusFailed, h.sessions.byID[1].Status)
}

func TestSessionCancel_Idempotent(t *testing.T) {
	h := newHarness(t)
	session := domain.NewCrawlSession(3, 2, 4, 11, 7)
	require.NoError(t, h.sessions.Create(context.Background(), session))

	for i := 0; i < 2; i++ {
		resp := h.request(t, http.MethodPost, "/api/v1/sessions/1/cancel", nil, false)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, []int64{1, 1}, h.sessions.cancelled)
}

func TestFormPageCreate_FinalizesRoute(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/form-pages", domain.FormPageRoute{
		ProjectID: 4,
		NetworkID: 11,
		FormName:  "New Order",
		URL:       "https://erp.example.com/Orders/New?tab=1",
	}, true)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, h.routes.created, 1)
	created := h.routes.created[0]
	assert.Equal(t, "erp.example.com/orders/new", created.NormalizedURL)
	assert.True(t, created.IsRoot)
}

func TestAIIsSubmissionButton(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/form-pages/ai/is-submission-button",
		map[string]string{"button_text": "Weiter"}, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ai.ClassificationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Answer)
}

func TestAI_BudgetFailureIs402(t *testing.T) {
	h := newHarness(t)
	h.broker.err = &domain.BudgetExceeded{CompanyID: 3, Total: 5, Used: 5, Estimated: 0.2}

	resp := h.request(t, http.MethodPost, "/api/v1/form-pages/ai/form-name",
		map[string]string{"page_context": "<h1>Orders</h1>"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestMapperStart_Validates(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/mapper/sessions", mapper.StartRequest{}, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMapperStart_AndStatus(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/mapper/sessions", mapper.StartRequest{
		UserID: 7, CompanyID: 3, ProductID: 2, FormRouteID: 5,
	}, false)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started MapperStatusResponse
	decodeEnvelope(t, resp, &started)
	assert.Equal(t, "running", started.Status)
	assert.Equal(t, string(mapper.StateLoggingIn), started.State)

	statusResp := h.request(t, http.MethodGet, "/api/v1/mapper/sessions/"+started.SessionID, nil, false)
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	var polled MapperStatusResponse
	decodeEnvelope(t, statusResp, &polled)
	assert.Equal(t, started.SessionID, polled.SessionID)
}

func TestMapperCancel(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/mapper/sessions/abc/cancel", nil, false)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"abc"}, h.mapperFk.cancelled)
}

func TestMapperDelete(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/v1/mapper/sessions", mapper.StartRequest{
		UserID: 7, CompanyID: 3, ProductID: 2, FormRouteID: 5,
	}, false)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started MapperStatusResponse
	decodeEnvelope(t, resp, &started)

	// Still running: deletion conflicts
	del := h.request(t, http.MethodDelete, "/api/v1/mapper/sessions/"+started.SessionID, nil, false)
	del.Body.Close()
	assert.Equal(t, http.StatusConflict, del.StatusCode)

	h.mapperFk.session.Transition(mapper.StateCancelled)
	del = h.request(t, http.MethodDelete, "/api/v1/mapper/sessions/"+started.SessionID, nil, false)
	del.Body.Close()
	require.Equal(t, http.StatusOK, del.StatusCode)
	assert.Equal(t, []string{started.SessionID}, h.mapperFk.deleted)

	statusResp := h.request(t, http.MethodGet, "/api/v1/mapper/sessions/"+started.SessionID, nil, false)
	statusResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, statusResp.StatusCode)
}

func TestSessionStatus_ReportsAISpend(t *testing.T) {
	h := newHarness(t)
	session := domain.NewCrawlSession(3, 2, 4, 11, 7)
	require.NoError(t, h.sessions.Create(context.Background(), session))
	h.usage.bySession[1] = 0.42

	resp := h.request(t, http.MethodGet, "/api/v1/sessions/1", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionStatusResponse
	decodeEnvelope(t, resp, &body)
	assert.InDelta(t, 0.42, body.AICost, 1e-9)
}

func TestReady_ReportsDependencyHealth(t *testing.T) {
	h := newHarness(t)
	h.api.SetReadinessChecks(map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})

	resp, err := http.Get(h.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.api.SetReadinessChecks(map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	resp, err = http.Get(h.srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, "not ready", body.Data.Status)
	assert.Equal(t, "healthy", body.Data.Checks["database"])
	assert.Contains(t, body.Data.Checks["redis"], "unhealthy")
}
