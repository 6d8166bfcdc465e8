package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAgent_IsConnected(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		lastHeartbeat *time.Time
		want          bool
	}{
		{
			name:          "never heartbeated",
			lastHeartbeat: nil,
			want:          false,
		},
		{
			name:          "heartbeat 30s ago",
			lastHeartbeat: timePtr(now.Add(-30 * time.Second)),
			want:          true,
		},
		{
			name:          "heartbeat exactly at timeout",
			lastHeartbeat: timePtr(now.Add(-HeartbeatTimeout)),
			want:          true,
		},
		{
			name:          "heartbeat past timeout",
			lastHeartbeat: timePtr(now.Add(-HeartbeatTimeout - time.Second)),
			want:          false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Agent{LastHeartbeat: tt.lastHeartbeat}
			if got := a.IsConnected(now); got != tt.want {
				t.Errorf("IsConnected() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgent_EffectiveStatus(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("stale heartbeat overrides stored status", func(t *testing.T) {
		a := Agent{
			Status:        AgentStatusBusy,
			LastHeartbeat: timePtr(now.Add(-2 * time.Minute)),
		}
		if got := a.EffectiveStatus(now); got != AgentStatusDisconnected {
			t.Errorf("EffectiveStatus() = %v, want disconnected", got)
		}
	})

	t.Run("fresh heartbeat keeps stored status", func(t *testing.T) {
		a := Agent{
			Status:        AgentStatusBusy,
			LastHeartbeat: timePtr(now.Add(-10 * time.Second)),
		}
		if got := a.EffectiveStatus(now); got != AgentStatusBusy {
			t.Errorf("EffectiveStatus() = %v, want busy", got)
		}
	})
}

func TestNewAgentTask(t *testing.T) {
	params := ExecuteStepsParams{
		MapperSession: "mapper:42",
		StartURL:      "https://app.example.com/orders/new",
	}

	task, err := NewAgentTask(3, 7, TaskTypeExecuteSteps, params)
	if err != nil {
		t.Fatalf("NewAgentTask() error = %v", err)
	}

	if task.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("task ID should be generated")
	}
	if task.CompanyID != 3 {
		t.Errorf("CompanyID = %d, want 3", task.CompanyID)
	}
	if task.UserID != 7 {
		t.Errorf("UserID = %d, want 7", task.UserID)
	}
	if task.Status != TaskStatusPending {
		t.Errorf("Status = %s, want pending", task.Status)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	var decoded ExecuteStepsParams
	if err := json.Unmarshal(task.Parameters, &decoded); err != nil {
		t.Fatalf("unmarshal parameters: %v", err)
	}
	if decoded.MapperSession != "mapper:42" {
		t.Errorf("parameters round-trip = %q, want mapper:42", decoded.MapperSession)
	}
}

func TestNewAgentTask_UnmarshalableParams(t *testing.T) {
	_, err := NewAgentTask(1, 1, TaskTypeExecuteSteps, func() {})
	if err == nil {
		t.Error("NewAgentTask() should fail on unmarshalable parameters")
	}
}
