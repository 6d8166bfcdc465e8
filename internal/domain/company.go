package domain

import (
	"context"
	"time"
)

// Company is the billing/access root for all users and agents
type Company struct {
	ID                 int64        `json:"id" db:"id"`
	Name               string       `json:"name" db:"name"`
	AccessModel        AccessModel  `json:"access_model" db:"access_model"`
	AccessStatus       AccessStatus `json:"access_status" db:"access_status"`
	DailyAIBudget      float64      `json:"daily_ai_budget" db:"daily_ai_budget"`
	AIUsedToday        float64      `json:"ai_used_today" db:"ai_used_today"`
	LastUsageResetDate *time.Time   `json:"last_usage_reset_date,omitempty" db:"last_usage_reset_date"`
	TrialStartDate     *time.Time   `json:"trial_start_date,omitempty" db:"trial_start_date"`
	TrialDaysTotal     int          `json:"trial_days_total" db:"trial_days_total"`
	Timestamps
}

// TrialExpired reports whether an early-access company's trial window has
// passed. Companies without a trial start are treated as expired: the
// invariant says early_access implies trial_start_date set.
func (c *Company) TrialExpired(now time.Time) bool {
	if c.AccessModel != AccessModelEarlyAccess {
		return false
	}
	if c.TrialStartDate == nil {
		return true
	}
	return c.TrialStartDate.AddDate(0, 0, c.TrialDaysTotal).Before(now)
}

// NeedsDailyReset reports whether ai_used_today should reset to zero
func (c *Company) NeedsDailyReset(now time.Time) bool {
	if c.LastUsageResetDate == nil {
		return true
	}
	return now.Sub(*c.LastUsageResetDate) >= 24*time.Hour
}

// Subscription binds a company to a product with a monthly AI budget.
// A non-empty CustomerAPIKeyEnc means BYOK: the company supplies its own
// provider credential and no budget applies.
type Subscription struct {
	ID                  int64     `json:"id" db:"id"`
	CompanyID           int64     `json:"company_id" db:"company_id"`
	ProductID           int64     `json:"product_id" db:"product_id"`
	MonthlyClaudeBudget float64   `json:"monthly_claude_budget" db:"monthly_claude_budget"`
	ClaudeUsedThisMonth float64   `json:"claude_used_this_month" db:"claude_used_this_month"`
	BudgetResetDate     time.Time `json:"budget_reset_date" db:"budget_reset_date"`
	CustomerAPIKeyEnc   string    `json:"-" db:"customer_claude_api_key"`
	Timestamps
}

// IsBYOK reports whether the subscription carries a customer-owned API key
func (s *Subscription) IsBYOK() bool {
	return s.CustomerAPIKeyEnc != ""
}

// NeedsMonthlyReset reports whether the monthly counter should reset
func (s *Subscription) NeedsMonthlyReset(now time.Time) bool {
	return !s.BudgetResetDate.After(now)
}

// NextBudgetResetDate returns the first instant of the month after now
func NextBudgetResetDate(now time.Time) time.Time {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0)
}

// CompanyRepository defines data access for companies
type CompanyRepository interface {
	GetByID(ctx context.Context, id int64) (*Company, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*Company, error)
	ResetDailyUsage(ctx context.Context, id int64, at time.Time) error
	AddDailyUsage(ctx context.Context, id int64, cost float64) error
}

// SubscriptionRepository defines data access for subscriptions
type SubscriptionRepository interface {
	Get(ctx context.Context, companyID, productID int64) (*Subscription, error)
	GetForUpdate(ctx context.Context, companyID, productID int64) (*Subscription, error)
	ResetMonthlyUsage(ctx context.Context, companyID, productID int64, nextReset time.Time) error
	AddMonthlyUsage(ctx context.Context, companyID, productID int64, cost float64) error
}
