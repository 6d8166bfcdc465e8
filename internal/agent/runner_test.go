package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/taskbus"
)

// fakeServer is a minimal agent-facing API for runner tests
type fakeServer struct {
	t *testing.T

	mu      sync.Mutex
	tasks   []json.RawMessage
	reports []taskbus.ReportRequest

	invalidateAfterTasks bool
	heartbeatCancel      bool

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/api/v1/agents/register":
		json.NewEncoder(w).Encode(taskbus.RegisterResponse{
			APIKey: "key", Token: "jwt", ExpiresIn: 1800,
		})
	case "/api/v1/agents/heartbeat":
		json.NewEncoder(w).Encode(taskbus.HeartbeatResponse{CancelRequested: f.heartbeatCancel})
	case "/api/v1/agents/tasks/poll":
		if len(f.tasks) > 0 {
			task := f.tasks[0]
			f.tasks = f.tasks[1:]
			w.Write(task)
			return
		}
		if f.invalidateAfterTasks {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": domain.ErrCodeSessionInvalidated},
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/api/v1/agents/tasks/report":
		var req taskbus.ReportRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.reports = append(f.reports, req)
		w.WriteHeader(http.StatusOK)
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) queueTask(task any) {
	raw, err := json.Marshal(task)
	require.NoError(f.t, err)
	f.mu.Lock()
	f.tasks = append(f.tasks, raw)
	f.mu.Unlock()
}

func (f *fakeServer) reported() []taskbus.ReportRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]taskbus.ReportRequest, len(f.reports))
	copy(out, f.reports)
	return out
}

func newTestRunner(srv *fakeServer) *Runner {
	return NewRunner(Config{
		ServerURL:     srv.srv.URL,
		RegisterToken: "reg",
		AgentID:       "test-agent",
		CompanyID:     1,
		UserID:        2,
		Headless:      true,
	}, nil)
}

func TestRunner_ShutsDownWhenSuperseded(t *testing.T) {
	srv := newFakeServer(t)
	srv.invalidateAfterTasks = true

	r := newTestRunner(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSuperseded))
	assert.NoError(t, ctx.Err(), "runner should exit on supersession, not timeout")
}

func TestRunner_ReportsUnhandledTaskType(t *testing.T) {
	srv := newFakeServer(t)
	srv.invalidateAfterTasks = true
	srv.queueTask(map[string]any{
		"task_id":   uuid.New().String(),
		"task_type": "calibrate_sensors",
		"status":    "running",
	})

	r := newTestRunner(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.Run(ctx)

	reports := srv.reported()
	require.Len(t, reports, 1)
	assert.Equal(t, domain.TaskStatusFailed, reports[0].Status)
	assert.Contains(t, reports[0].Error, "unhandled task type")
}

func TestRunner_HeartbeatRelaysCancellation(t *testing.T) {
	srv := newFakeServer(t)
	srv.heartbeatCancel = true

	r := newTestRunner(srv)
	r.cfg.HeartbeatInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.heartbeatLoop(ctx)

	require.Eventually(t, r.cancelFlag.Load, 2*time.Second, 10*time.Millisecond,
		"cancel flag not set from heartbeat response")
}

func TestApplyCredentials(t *testing.T) {
	steps := []domain.Step{
		{Action: domain.ActionFill, Selector: "#user", Value: "{{username}}"},
		{Action: domain.ActionFill, Selector: "#pass", Value: "{{password}}"},
		{Action: domain.ActionClick, Selector: "#submit"},
	}
	out := applyCredentials(steps, map[string]string{
		"username": "demo@example.com",
		"password": "hunter2",
	})

	assert.Equal(t, "demo@example.com", out[0].Value)
	assert.Equal(t, "hunter2", out[1].Value)
	// the input must stay untouched: tasks can be retried
	assert.Equal(t, "{{username}}", steps[0].Value)
}

func TestApplyCredentials_NoCredentials(t *testing.T) {
	steps := []domain.Step{{Action: domain.ActionFill, Value: "{{username}}"}}
	out := applyCredentials(steps, nil)
	assert.Equal(t, "{{username}}", out[0].Value)
}

func TestStepErrorCode(t *testing.T) {
	assert.Equal(t, domain.ErrCodeTimeout, stepErrorCode(errors.New("locator.Click: Timeout 15000ms exceeded")))
	assert.Equal(t, domain.ErrCodeElementNotFound, stepErrorCode(errors.New("step 2 (click #save): element detached")))
}
