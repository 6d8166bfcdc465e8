package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// CompanyRepository implements domain.CompanyRepository with PostgreSQL
type CompanyRepository struct {
	db sqlx.ExtContext
}

// NewCompanyRepository creates a new company repository
func NewCompanyRepository(db sqlx.ExtContext) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *CompanyRepository) WithTx(tx *sqlx.Tx) *CompanyRepository {
	return &CompanyRepository{db: tx}
}

// companyRow represents the database row structure
type companyRow struct {
	ID                 int64      `db:"id"`
	Name               string     `db:"name"`
	AccessModel        string     `db:"access_model"`
	AccessStatus       string     `db:"access_status"`
	DailyAIBudget      float64    `db:"daily_ai_budget"`
	AIUsedToday        float64    `db:"ai_used_today"`
	LastUsageResetDate *time.Time `db:"last_usage_reset_date"`
	TrialStartDate     *time.Time `db:"trial_start_date"`
	TrialDaysTotal     int        `db:"trial_days_total"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
	DeletedAt          *time.Time `db:"deleted_at"`
}

func (r *companyRow) toDomain() *domain.Company {
	return &domain.Company{
		ID:                 r.ID,
		Name:               r.Name,
		AccessModel:        domain.AccessModel(r.AccessModel),
		AccessStatus:       domain.AccessStatus(r.AccessStatus),
		DailyAIBudget:      r.DailyAIBudget,
		AIUsedToday:        r.AIUsedToday,
		LastUsageResetDate: r.LastUsageResetDate,
		TrialStartDate:     r.TrialStartDate,
		TrialDaysTotal:     r.TrialDaysTotal,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
}

const companyColumns = `
	id, name, access_model, access_status, daily_ai_budget, ai_used_today,
	last_usage_reset_date, trial_start_date, trial_days_total,
	created_at, updated_at, deleted_at
`

// GetByID retrieves a company by ID
func (r *CompanyRepository) GetByID(ctx context.Context, id int64) (*domain.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1 AND deleted_at IS NULL`

	var row companyRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.AccessDenied{
				Code:      domain.ErrCodeCompanyNotFound,
				CompanyID: id,
				Reason:    "company not found",
			}
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// GetByIDForUpdate retrieves a company with a row lock. Must run inside a
// transaction or the lock is released immediately.
func (r *CompanyRepository) GetByIDForUpdate(ctx context.Context, id int64) (*domain.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`

	var row companyRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.AccessDenied{
				Code:      domain.ErrCodeCompanyNotFound,
				CompanyID: id,
				Reason:    "company not found",
			}
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// ResetDailyUsage zeroes ai_used_today and stamps the reset date
func (r *CompanyRepository) ResetDailyUsage(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE companies
		SET ai_used_today = 0, last_usage_reset_date = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, at, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("company", id)
	}

	return nil
}

// AddDailyUsage increments ai_used_today by cost
func (r *CompanyRepository) AddDailyUsage(ctx context.Context, id int64, cost float64) error {
	query := `
		UPDATE companies
		SET ai_used_today = ai_used_today + $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, cost, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("company", id)
	}

	return nil
}
