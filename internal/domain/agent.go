package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HeartbeatTimeout is how long without a heartbeat before an agent is
// treated as disconnected. Disconnection is inferred, never stored.
const HeartbeatTimeout = 60 * time.Second

// Agent is the per-user process running inside the customer network.
// At most one live api_key exists per user: re-registration invalidates
// any prior key for the same user.
type Agent struct {
	ID                    uuid.UUID   `json:"id" db:"id"`
	AgentID               string      `json:"agent_id" db:"agent_id"`
	UserID                int64       `json:"user_id" db:"user_id"`
	CompanyID             int64       `json:"company_id" db:"company_id"`
	APIKeyHash            string      `json:"-" db:"api_key_hash"`
	Hostname              string      `json:"hostname" db:"hostname"`
	Platform              string      `json:"platform" db:"platform"`
	Version               string      `json:"version" db:"version"`
	Status                AgentStatus `json:"status" db:"status"`
	LastHeartbeat         *time.Time  `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	CurrentTaskID         *uuid.UUID  `json:"current_task_id,omitempty" db:"current_task_id"`
	CurrentCrawlSessionID *int64      `json:"current_crawl_session_id,omitempty" db:"current_crawl_session_id"`
	Timestamps
}

// IsConnected reports whether the agent heartbeated within the timeout
func (a *Agent) IsConnected(now time.Time) bool {
	if a.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeat) <= HeartbeatTimeout
}

// EffectiveStatus folds the heartbeat timeout into the stored status
func (a *Agent) EffectiveStatus(now time.Time) AgentStatus {
	if !a.IsConnected(now) {
		return AgentStatusDisconnected
	}
	return a.Status
}

// AgentTask is one unit of work dispatched to an agent
type AgentTask struct {
	ID         uuid.UUID       `json:"task_id" db:"id"`
	CompanyID  int64           `json:"company_id" db:"company_id"`
	UserID     int64           `json:"user_id" db:"user_id"`
	TaskType   TaskType        `json:"task_type" db:"task_type"`
	Parameters json.RawMessage `json:"parameters" db:"parameters"`
	Status     TaskStatus      `json:"status" db:"status"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Error      string          `json:"error,omitempty" db:"error"`
	Timestamps
}

// NewAgentTask creates a pending task
func NewAgentTask(companyID, userID int64, taskType TaskType, params any) (*AgentTask, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &AgentTask{
		ID:         uuid.New(),
		CompanyID:  companyID,
		UserID:     userID,
		TaskType:   taskType,
		Parameters: raw,
		Status:     TaskStatusPending,
		Timestamps: Timestamps{CreatedAt: now, UpdatedAt: now},
	}, nil
}

// DiscoverFormPagesParams parameterizes a discover_form_pages task
type DiscoverFormPagesParams struct {
	CrawlSessionID int64              `json:"crawl_session_id"`
	NetworkID      int64              `json:"network_id"`
	ProjectID      int64              `json:"project_id"`
	ProductID      int64              `json:"product_id"`
	StartURL       string             `json:"start_url"`
	BaseURL        string             `json:"base_url"`
	MaxDepth       int                `json:"max_depth"`
	TargetName     string             `json:"target_name,omitempty"`
	SlowMode       bool               `json:"slow_mode"`
	LoginStages    []Step             `json:"login_stages,omitempty"`
	Credentials    map[string]string  `json:"credentials,omitempty"`
	UploadURLs     ArtifactUploadURLs `json:"upload_urls"`
}

// ExecuteStepsParams parameterizes an execute_steps task
type ExecuteStepsParams struct {
	CrawlSessionID int64  `json:"crawl_session_id,omitempty"`
	MapperSession  string `json:"mapper_session_id,omitempty"`
	StartURL       string `json:"start_url"`
	Steps          []Step `json:"steps"`
	SlowMode       bool   `json:"slow_mode"`
}

// FormMapperDOMParams asks the agent for the current DOM and screenshot
type FormMapperDOMParams struct {
	MapperSession string `json:"mapper_session_id"`
	IncludeJS     bool   `json:"include_js_in_dom"`
}

// ArtifactUploadURLs carries presigned PUT URLs issued at task prep so the
// agent can ship screenshots and logs without server credentials.
type ArtifactUploadURLs struct {
	Screenshots string `json:"screenshots,omitempty"`
	Logs        string `json:"logs,omitempty"`
}

// AgentRepository defines data access for agents
type AgentRepository interface {
	Upsert(ctx context.Context, agent *Agent) error
	GetByUserID(ctx context.Context, userID int64) (*Agent, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*Agent, error)
	UpdateHeartbeat(ctx context.Context, agentID string, status AgentStatus, taskID *uuid.UUID, sessionID *int64) error
}

// AgentTaskRepository defines data access for agent tasks
type AgentTaskRepository interface {
	Create(ctx context.Context, task *AgentTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*AgentTask, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status TaskStatus, result json.RawMessage, errMsg string) error
}
