package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// AgentRepository implements domain.AgentRepository with PostgreSQL
type AgentRepository struct {
	db sqlx.ExtContext
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db sqlx.ExtContext) *AgentRepository {
	return &AgentRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *AgentRepository) WithTx(tx *sqlx.Tx) *AgentRepository {
	return &AgentRepository{db: tx}
}

// agentRow represents the database row structure
type agentRow struct {
	ID                    uuid.UUID  `db:"id"`
	AgentID               string     `db:"agent_id"`
	UserID                int64      `db:"user_id"`
	CompanyID             int64      `db:"company_id"`
	APIKeyHash            string     `db:"api_key_hash"`
	Hostname              string     `db:"hostname"`
	Platform              string     `db:"platform"`
	Version               string     `db:"version"`
	Status                string     `db:"status"`
	LastHeartbeat         *time.Time `db:"last_heartbeat"`
	CurrentTaskID         *uuid.UUID `db:"current_task_id"`
	CurrentCrawlSessionID *int64     `db:"current_crawl_session_id"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	DeletedAt             *time.Time `db:"deleted_at"`
}

func (r *agentRow) toDomain() *domain.Agent {
	return &domain.Agent{
		ID:                    r.ID,
		AgentID:               r.AgentID,
		UserID:                r.UserID,
		CompanyID:             r.CompanyID,
		APIKeyHash:            r.APIKeyHash,
		Hostname:              r.Hostname,
		Platform:              r.Platform,
		Version:               r.Version,
		Status:                domain.AgentStatus(r.Status),
		LastHeartbeat:         r.LastHeartbeat,
		CurrentTaskID:         r.CurrentTaskID,
		CurrentCrawlSessionID: r.CurrentCrawlSessionID,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
}

const agentColumns = `
	id, agent_id, user_id, company_id, api_key_hash, hostname, platform,
	version, status, last_heartbeat, current_task_id, current_crawl_session_id,
	created_at, updated_at, deleted_at
`

// Upsert registers an agent, superseding any previous registration for the
// same user. The api_key_hash swap is what invalidates the old agent process:
// its next authenticated call no longer matches.
func (r *AgentRepository) Upsert(ctx context.Context, agent *domain.Agent) error {
	query := `
		INSERT INTO agents (
			id, agent_id, user_id, company_id, api_key_hash, hostname,
			platform, version, status, last_heartbeat, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			api_key_hash = EXCLUDED.api_key_hash,
			hostname = EXCLUDED.hostname,
			platform = EXCLUDED.platform,
			version = EXCLUDED.version,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			current_task_id = NULL,
			current_crawl_session_id = NULL,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		agent.ID,
		agent.AgentID,
		agent.UserID,
		agent.CompanyID,
		agent.APIKeyHash,
		agent.Hostname,
		agent.Platform,
		agent.Version,
		string(agent.Status),
		agent.LastHeartbeat,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.NotFoundError("user", agent.UserID)
		}
		return err
	}

	return nil
}

// GetByUserID retrieves the agent registered for a user
func (r *AgentRepository) GetByUserID(ctx context.Context, userID int64) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE user_id = $1 AND deleted_at IS NULL`

	var row agentRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("agent", userID)
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// GetByAPIKeyHash retrieves an agent by hashed api_key. Used by the auth
// middleware; a miss means the key was superseded or never existed.
func (r *AgentRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE api_key_hash = $1 AND deleted_at IS NULL`

	var row agentRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionInvalidatedVal
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// CountConnected returns how many agents have heartbeated since the cutoff
func (r *AgentRepository) CountConnected(ctx context.Context, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM agents WHERE last_heartbeat > $1 AND deleted_at IS NULL`

	var count int64
	if err := sqlx.GetContext(ctx, r.db, &count, query, since); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateHeartbeat records a heartbeat along with the agent's self-reported
// status and current work
func (r *AgentRepository) UpdateHeartbeat(ctx context.Context, agentID string, status domain.AgentStatus, taskID *uuid.UUID, sessionID *int64) error {
	query := `
		UPDATE agents
		SET status = $2, last_heartbeat = $3, current_task_id = $4,
		    current_crawl_session_id = $5, updated_at = $3
		WHERE agent_id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, agentID, string(status), time.Now().UTC(), taskID, sessionID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("agent", agentID)
	}

	return nil
}
