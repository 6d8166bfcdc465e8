package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// SubscriptionRepository implements domain.SubscriptionRepository with PostgreSQL
type SubscriptionRepository struct {
	db sqlx.ExtContext
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db sqlx.ExtContext) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *SubscriptionRepository) WithTx(tx *sqlx.Tx) *SubscriptionRepository {
	return &SubscriptionRepository{db: tx}
}

// subscriptionRow represents the database row structure
type subscriptionRow struct {
	ID                  int64      `db:"id"`
	CompanyID           int64      `db:"company_id"`
	ProductID           int64      `db:"product_id"`
	MonthlyClaudeBudget float64    `db:"monthly_claude_budget"`
	ClaudeUsedThisMonth float64    `db:"claude_used_this_month"`
	BudgetResetDate     time.Time  `db:"budget_reset_date"`
	CustomerAPIKeyEnc   *string    `db:"customer_claude_api_key"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	DeletedAt           *time.Time `db:"deleted_at"`
}

func (r *subscriptionRow) toDomain() *domain.Subscription {
	var keyEnc string
	if r.CustomerAPIKeyEnc != nil {
		keyEnc = *r.CustomerAPIKeyEnc
	}

	return &domain.Subscription{
		ID:                  r.ID,
		CompanyID:           r.CompanyID,
		ProductID:           r.ProductID,
		MonthlyClaudeBudget: r.MonthlyClaudeBudget,
		ClaudeUsedThisMonth: r.ClaudeUsedThisMonth,
		BudgetResetDate:     r.BudgetResetDate,
		CustomerAPIKeyEnc:   keyEnc,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
}

const subscriptionColumns = `
	id, company_id, product_id, monthly_claude_budget, claude_used_this_month,
	budget_reset_date, customer_claude_api_key, created_at, updated_at, deleted_at
`

// Get retrieves the subscription for a company/product pair
func (r *SubscriptionRepository) Get(ctx context.Context, companyID, productID int64) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE company_id = $1 AND product_id = $2 AND deleted_at IS NULL`

	var row subscriptionRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, companyID, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("subscription", companyID)
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// GetForUpdate retrieves the subscription with a row lock. Must run inside a
// transaction.
func (r *SubscriptionRepository) GetForUpdate(ctx context.Context, companyID, productID int64) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE company_id = $1 AND product_id = $2 AND deleted_at IS NULL
		FOR UPDATE`

	var row subscriptionRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, companyID, productID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("subscription", companyID)
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// ResetMonthlyUsage zeroes the monthly counter and advances the reset date
func (r *SubscriptionRepository) ResetMonthlyUsage(ctx context.Context, companyID, productID int64, nextReset time.Time) error {
	query := `
		UPDATE subscriptions
		SET claude_used_this_month = 0, budget_reset_date = $3, updated_at = $4
		WHERE company_id = $1 AND product_id = $2 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, companyID, productID, nextReset, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("subscription", companyID)
	}

	return nil
}

// AddMonthlyUsage increments claude_used_this_month by cost
func (r *SubscriptionRepository) AddMonthlyUsage(ctx context.Context, companyID, productID int64, cost float64) error {
	query := `
		UPDATE subscriptions
		SET claude_used_this_month = claude_used_this_month + $3, updated_at = $4
		WHERE company_id = $1 AND product_id = $2 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, companyID, productID, cost, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("subscription", companyID)
	}

	return nil
}
