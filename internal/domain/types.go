package domain

import "time"

// Timestamps provides common timestamp fields for entities
type Timestamps struct {
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Touch updates the UpdatedAt timestamp
func (t *Timestamps) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// AccessModel describes how a company is billed for AI usage
type AccessModel string

const (
	AccessModelLegacy      AccessModel = "legacy"
	AccessModelBYOK        AccessModel = "byok"
	AccessModelEarlyAccess AccessModel = "early_access"
)

// AccessStatus is the admin-controlled gate on a company's access
type AccessStatus string

const (
	AccessStatusPending AccessStatus = "pending"
	AccessStatusActive  AccessStatus = "active"
	AccessStatusRevoked AccessStatus = "revoked"
)

// AgentStatus is the agent's self-reported state
type AgentStatus string

const (
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// TaskStatus tracks an AgentTask through its lifecycle.
// Transitions are monotone except pending -> cancelled.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ValidTaskTransition reports whether from -> to is a legal status change
func ValidTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// SessionStatus tracks a CrawlSession through its lifecycle
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the session status is final
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// TaskType is the closed set of work the agent understands
type TaskType string

const (
	TaskTypeDiscoverFormPages TaskType = "discover_form_pages"
	TaskTypeExecuteSteps      TaskType = "execute_steps"
	TaskTypeFormMapperLogin   TaskType = "form_mapper_login"
	TaskTypeFormMapperStep    TaskType = "form_mapper_step"
	TaskTypeFormMapperDOM     TaskType = "form_mapper_dom"
)

// KnownTaskType reports whether the agent knows how to run this task type.
// Unknown types get an explicit "unhandled" failure, never a silent drop.
func KnownTaskType(t TaskType) bool {
	switch t {
	case TaskTypeDiscoverFormPages, TaskTypeExecuteSteps,
		TaskTypeFormMapperLogin, TaskTypeFormMapperStep, TaskTypeFormMapperDOM:
		return true
	}
	return false
}
