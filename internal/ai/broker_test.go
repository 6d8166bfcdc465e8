package ai

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/formscout/formscout/internal/budget"
	"github.com/formscout/formscout/internal/domain"
)

type fakeGate struct {
	decision *budget.Decision
	checkErr error
	recorded []*domain.ApiUsage
	checks   int
}

func (f *fakeGate) Check(_ context.Context, _, _ int64, _ float64) (*budget.Decision, error) {
	f.checks++
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	return f.decision, nil
}

func (f *fakeGate) ProviderKey(_ context.Context, _, _ int64, _ domain.AccessModel) (string, error) {
	return "test-key", nil
}

func (f *fakeGate) RecordUsage(_ context.Context, _ domain.AccessModel, usage *domain.ApiUsage) error {
	f.recorded = append(f.recorded, usage)
	return nil
}

func newMockProvider(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg_test",
			"content": []map[string]string{{"type": "text", "text": reply}},
			"usage":   map[string]int{"input_tokens": 1000, "output_tokens": 200},
		})
	}))
}

func newTestBroker(t *testing.T, server *httptest.Server, gate *fakeGate) *Broker {
	t.Helper()
	client := NewClient(ClientConfig{
		BaseURL:      server.URL,
		RateLimitRPM: 6000,
	}, nil)
	return NewBroker(client, gate, nil, nil)
}

func allowAll() *fakeGate {
	return &fakeGate{decision: &budget.Decision{
		Model:     domain.AccessModelEarlyAccess,
		Remaining: math.Inf(1),
	}}
}

func TestBroker_GenerateLoginSteps(t *testing.T) {
	server := newMockProvider(t, `{"steps": [
		{"action": "fill", "selector": "#user", "value": "alice", "full_xpath": "//*[@id='user']"},
		{"action": "fill", "selector": "#pass", "value": "secret", "full_xpath": "//*[@id='pass']"},
		{"action": "click", "selector": "#login", "force_regenerate": true, "full_xpath": "//*[@id='login']"}
	]}`)
	defer server.Close()

	gate := allowAll()
	broker := newTestBroker(t, server, gate)

	result, err := broker.GenerateLoginSteps(context.Background(), CallContext{CompanyID: 1, ProductID: 1, UserID: 5},
		"<html>login</html>", map[string]string{"username": "alice", "password": "secret"}, "")
	if err != nil {
		t.Fatalf("GenerateLoginSteps: %v", err)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("got %d steps", len(result.Steps))
	}
	if result.Steps[0].Value != "alice" {
		t.Errorf("credential not verbatim: %q", result.Steps[0].Value)
	}

	if len(gate.recorded) != 1 {
		t.Fatalf("recorded %d usage rows, want 1", len(gate.recorded))
	}
	usage := gate.recorded[0]
	if usage.OperationType != domain.OpLoginSteps {
		t.Errorf("OperationType = %s", usage.OperationType)
	}
	wantCost := domain.CallCost(1000, 200, domain.TextPriceInPerMTok, domain.TextPriceOutPerMTok)
	if usage.APICost != wantCost {
		t.Errorf("APICost = %v, want %v", usage.APICost, wantCost)
	}
}

func TestBroker_BudgetDenialShortCircuits(t *testing.T) {
	server := newMockProvider(t, `{"steps": []}`)
	defer server.Close()

	gate := &fakeGate{checkErr: &domain.BudgetExceeded{CompanyID: 1, Total: 10, Used: 10}}
	broker := newTestBroker(t, server, gate)

	_, err := broker.ExtractFormName(context.Background(), CallContext{CompanyID: 1}, "<html/>", nil)
	if !domain.IsBudgetExceeded(err) {
		t.Fatalf("want BudgetExceeded, got %v", err)
	}
	if len(gate.recorded) != 0 {
		t.Error("usage recorded despite denial")
	}
}

func TestBroker_IsSubmissionButton(t *testing.T) {
	server := newMockProvider(t, `{"answer": true, "reasoning": "opens a create form"}`)
	defer server.Close()

	broker := newTestBroker(t, server, allowAll())

	ok, err := broker.IsSubmissionButton(context.Background(), CallContext{CompanyID: 1}, "New Order")
	if err != nil {
		t.Fatalf("IsSubmissionButton: %v", err)
	}
	if !ok {
		t.Error("answer = false, want true")
	}
}

func TestBroker_GetNavigationClickables_DropsOutOfRange(t *testing.T) {
	server := newMockProvider(t, `{"indices": [0, 2, 99, -1]}`)
	defer server.Close()

	broker := newTestBroker(t, server, allowAll())

	candidates := []ClickableCandidate{
		{Index: 0, Text: "Orders"},
		{Index: 1, Text: "Help"},
		{Index: 2, Text: "Customers"},
	}
	indices, err := broker.GetNavigationClickables(context.Background(), CallContext{CompanyID: 1}, "img", candidates)
	if err != nil {
		t.Fatalf("GetNavigationClickables: %v", err)
	}
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 2 {
		t.Errorf("indices = %v, want [0 2]", indices)
	}
}

func TestBroker_AnalyzeError(t *testing.T) {
	server := newMockProvider(t, `{"scenario": "B", "issue_type": "ai_issue",
		"problematic_fields": ["email"],
		"field_requirements": {"email": "must be a valid address"}}`)
	defer server.Close()

	broker := newTestBroker(t, server, allowAll())

	analysis, err := broker.AnalyzeError(context.Background(), CallContext{CompanyID: 1},
		"alert: invalid email", nil, "<html/>")
	if err != nil {
		t.Fatalf("AnalyzeError: %v", err)
	}
	if analysis.Scenario != ScenarioB || analysis.IssueType != IssueAI {
		t.Errorf("analysis = %+v", analysis)
	}
	if analysis.FieldRequirements["email"] == "" {
		t.Error("field_requirements not decoded")
	}
}

func TestClient_NonRetryableClientError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, RateLimitRPM: 6000}, nil)
	_, _, err := client.Complete(context.Background(), "k", "s", "u", 100)
	if err == nil {
		t.Fatal("want error")
	}
	if calls != 1 {
		t.Errorf("client error retried %d times, want 1 call", calls)
	}
}
