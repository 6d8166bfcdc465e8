package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/taskbus"
)

func TestClient_RegisterStoresCredentials(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/register", r.URL.Path)
		gotToken = r.Header.Get("X-Register-Token")

		var req taskbus.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "workstation-7", req.AgentID)

		json.NewEncoder(w).Encode(taskbus.RegisterResponse{
			APIKey:    "key-123",
			Token:     "jwt-abc",
			ExpiresIn: 1800,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "reg-secret")
	resp, err := c.Register(context.Background(), taskbus.RegisterRequest{
		AgentID:   "workstation-7",
		CompanyID: 1,
		UserID:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "reg-secret", gotToken)
	assert.Equal(t, int64(1800), resp.ExpiresIn)

	apiKey, jwt := c.Credentials()
	assert.Equal(t, "key-123", apiKey)
	assert.Equal(t, "jwt-abc", jwt)
}

func TestClient_SendsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("X-Agent-API-Key"))
		assert.Equal(t, "Bearer jwt-abc", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(taskbus.HeartbeatResponse{CancelRequested: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.setCredentials("key-123", "jwt-abc")

	resp, err := c.Heartbeat(context.Background(), taskbus.HeartbeatRequest{AgentID: "a"})
	require.NoError(t, err)
	assert.True(t, resp.CancelRequested)
}

func TestClient_RefreshReplacesOnlyJWT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/token", r.URL.Path)
		json.NewEncoder(w).Encode(taskbus.RegisterResponse{Token: "jwt-new", ExpiresIn: 1800})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.setCredentials("key-123", "jwt-old")

	_, err := c.RefreshToken(context.Background())
	require.NoError(t, err)

	apiKey, jwt := c.Credentials()
	assert.Equal(t, "key-123", apiKey)
	assert.Equal(t, "jwt-new", jwt)
}

func TestClient_PollNoContentMeansNoTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	task, err := c.PollTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClient_PollDecodesTask(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.AgentTask{
			ID:       id,
			TaskType: domain.TaskTypeDiscoverFormPages,
			Status:   domain.TaskStatusRunning,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	task, err := c.PollTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, domain.TaskTypeDiscoverFormPages, task.TaskType)
}

func TestClient_APIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    domain.ErrCodeSessionInvalidated,
				"message": "api key superseded by a later registration",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.PollTask(context.Background())
	require.Error(t, err)

	assert.True(t, IsSessionInvalidated(err))
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_ClassificationCallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/form-pages/ai/form-name":
			var body struct {
				PageContext   string   `json:"page_context"`
				ExistingNames []string `json:"existing_names"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Contains(t, body.ExistingNames, "New Order")
			json.NewEncoder(w).Encode(map[string]string{"form_name": "New Customer"})
		case "/api/v1/form-pages/ai/is-submission-button":
			json.NewEncoder(w).Encode(map[string]bool{"answer": true})
		case "/api/v1/form-pages/ai/navigation-clickables":
			json.NewEncoder(w).Encode(map[string][]int{"indices": {0, 2}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()

	name, err := c.ExtractFormName(ctx, "<h1>Customers</h1>", []string{"New Order"})
	require.NoError(t, err)
	assert.Equal(t, "New Customer", name)

	yes, err := c.IsSubmissionButton(ctx, "Los geht's")
	require.NoError(t, err)
	assert.True(t, yes)

	indices, err := c.GetNavigationClickables(ctx, "b64", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, indices)
}

func TestClient_SaveRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/form-pages", r.URL.Path)
		var route domain.FormPageRoute
		require.NoError(t, json.NewDecoder(r.Body).Decode(&route))
		assert.Equal(t, "New Order", route.FormName)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.SaveRoute(context.Background(), &domain.FormPageRoute{FormName: "New Order"})
	require.NoError(t, err)
}
