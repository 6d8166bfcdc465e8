package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// AgentTaskRepository implements domain.AgentTaskRepository with PostgreSQL
type AgentTaskRepository struct {
	db sqlx.ExtContext
}

// NewAgentTaskRepository creates a new agent task repository
func NewAgentTaskRepository(db sqlx.ExtContext) *AgentTaskRepository {
	return &AgentTaskRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *AgentTaskRepository) WithTx(tx *sqlx.Tx) *AgentTaskRepository {
	return &AgentTaskRepository{db: tx}
}

// agentTaskRow represents the database row structure
type agentTaskRow struct {
	ID         uuid.UUID  `db:"id"`
	CompanyID  int64      `db:"company_id"`
	UserID     int64      `db:"user_id"`
	TaskType   string     `db:"task_type"`
	Parameters []byte     `db:"parameters"`
	Status     string     `db:"status"`
	Result     []byte     `db:"result"`
	Error      *string    `db:"error"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	DeletedAt  *time.Time `db:"deleted_at"`
}

func (r *agentTaskRow) toDomain() *domain.AgentTask {
	var errMsg string
	if r.Error != nil {
		errMsg = *r.Error
	}

	return &domain.AgentTask{
		ID:         r.ID,
		CompanyID:  r.CompanyID,
		UserID:     r.UserID,
		TaskType:   domain.TaskType(r.TaskType),
		Parameters: json.RawMessage(r.Parameters),
		Status:     domain.TaskStatus(r.Status),
		Result:     json.RawMessage(r.Result),
		Error:      errMsg,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
}

// Create inserts a new task
func (r *AgentTaskRepository) Create(ctx context.Context, task *domain.AgentTask) error {
	query := `
		INSERT INTO agent_tasks (id, company_id, user_id, task_type, parameters, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.CompanyID,
		task.UserID,
		string(task.TaskType),
		[]byte(task.Parameters),
		string(task.Status),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExistsVal
		}
		return err
	}

	return nil
}

// GetByID retrieves a task by ID
func (r *AgentTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.AgentTask, error) {
	query := `
		SELECT id, company_id, user_id, task_type, parameters, status, result, error,
		       created_at, updated_at, deleted_at
		FROM agent_tasks
		WHERE id = $1 AND deleted_at IS NULL
	`

	var row agentTaskRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("task", id)
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// UpdateStatus moves a task through its lifecycle. Illegal transitions are
// rejected at the database to keep a crashed agent from resurrecting a
// terminal task.
func (r *AgentTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, result json.RawMessage, errMsg string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if !domain.ValidTaskTransition(current.Status, status) {
		return &domain.DomainError{
			Code:    domain.ErrCodeConflict,
			Message: "invalid task status transition",
			Details: map[string]any{"from": current.Status, "to": status},
			Err:     domain.ErrAlreadyExistsVal,
		}
	}

	query := `
		UPDATE agent_tasks
		SET status = $2, result = $3, error = NULLIF($4, ''), updated_at = $5
		WHERE id = $1 AND status = $6 AND deleted_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query,
		id, string(status), []byte(result), errMsg, time.Now().UTC(), string(current.Status),
	)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Lost the race against a concurrent transition
		return &domain.DomainError{
			Code:    domain.ErrCodeConflict,
			Message: "task status changed concurrently",
			Err:     domain.ErrAlreadyExistsVal,
		}
	}

	return nil
}
