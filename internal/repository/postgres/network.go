package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// NetworkRepository implements domain.NetworkRepository with PostgreSQL
type NetworkRepository struct {
	db sqlx.ExtContext
}

// NewNetworkRepository creates a new network repository
func NewNetworkRepository(db sqlx.ExtContext) *NetworkRepository {
	return &NetworkRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *NetworkRepository) WithTx(tx *sqlx.Tx) *NetworkRepository {
	return &NetworkRepository{db: tx}
}

// networkRow represents the database row structure
type networkRow struct {
	ID                int64      `db:"id"`
	ProjectID         int64      `db:"project_id"`
	CompanyID         int64      `db:"company_id"`
	Name              string     `db:"name"`
	BaseURL           string     `db:"base_url"`
	LoginURL          *string    `db:"login_url"`
	Username          *string    `db:"username"`
	PasswordEnc       *string    `db:"password_enc"`
	LoginStages       []byte     `db:"login_stages"`
	LogoutStages      []byte     `db:"logout_stages"`
	UseVisionForClass bool       `db:"use_vision_for_classification"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	DeletedAt         *time.Time `db:"deleted_at"`
}

func (r *networkRow) toDomain() (*domain.Network, error) {
	n := &domain.Network{
		ID:                r.ID,
		ProjectID:         r.ProjectID,
		CompanyID:         r.CompanyID,
		Name:              r.Name,
		BaseURL:           r.BaseURL,
		UseVisionForClass: r.UseVisionForClass,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
	if r.LoginURL != nil {
		n.LoginURL = *r.LoginURL
	}
	if r.Username != nil {
		n.Username = *r.Username
	}
	if r.PasswordEnc != nil {
		n.PasswordEnc = *r.PasswordEnc
	}

	if len(r.LoginStages) > 0 {
		if err := json.Unmarshal(r.LoginStages, &n.LoginStages); err != nil {
			return nil, err
		}
	}
	if len(r.LogoutStages) > 0 {
		if err := json.Unmarshal(r.LogoutStages, &n.LogoutStages); err != nil {
			return nil, err
		}
	}

	return n, nil
}

// GetByID retrieves a network by ID
func (r *NetworkRepository) GetByID(ctx context.Context, id int64) (*domain.Network, error) {
	query := `
		SELECT id, project_id, company_id, name, base_url, login_url, username,
		       password_enc, login_stages, logout_stages,
		       use_vision_for_classification, created_at, updated_at, deleted_at
		FROM networks
		WHERE id = $1 AND deleted_at IS NULL
	`

	var row networkRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("network", id)
		}
		return nil, err
	}

	return row.toDomain()
}

// UpdateLoginStages persists AI-generated login stages for reuse across runs
func (r *NetworkRepository) UpdateLoginStages(ctx context.Context, id int64, stages []domain.Step) error {
	return r.updateStages(ctx, id, "login_stages", stages)
}

// UpdateLogoutStages persists AI-generated logout stages
func (r *NetworkRepository) UpdateLogoutStages(ctx context.Context, id int64, stages []domain.Step) error {
	return r.updateStages(ctx, id, "logout_stages", stages)
}

func (r *NetworkRepository) updateStages(ctx context.Context, id int64, column string, stages []domain.Step) error {
	raw, err := json.Marshal(stages)
	if err != nil {
		return err
	}

	// column is one of two compile-time constants, never user input
	query := `UPDATE networks SET ` + column + ` = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, raw, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("network", id)
	}

	return nil
}
