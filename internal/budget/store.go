package budget

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/repository/postgres"
)

// Store is the persistence surface the budget gate needs. Mutations run
// under row locks so concurrent AI calls for one company serialize on the
// counter instead of losing increments.
type Store interface {
	GetCompany(ctx context.Context, id int64) (*domain.Company, error)
	GetSubscription(ctx context.Context, companyID, productID int64) (*domain.Subscription, error)

	// ResetDailyIfNeeded re-reads the company under lock and zeroes the
	// daily counter when the reset window has passed. Returns the
	// post-reset company.
	ResetDailyIfNeeded(ctx context.Context, companyID int64, now time.Time) (*domain.Company, error)

	// ResetMonthlyIfNeeded does the same for the subscription's monthly
	// counter.
	ResetMonthlyIfNeeded(ctx context.Context, companyID, productID int64, now time.Time) (*domain.Subscription, error)

	// ApplyUsage locks the counter row, increments it by usage.APICost and
	// appends the accounting row in the same transaction.
	ApplyUsage(ctx context.Context, model domain.AccessModel, usage *domain.ApiUsage) error

	// ApplyUsageBatch books a whole (company, product) group at once: one
	// row lock, one increment by the group's summed cost, and all accounting
	// rows in a single transaction.
	ApplyUsageBatch(ctx context.Context, model domain.AccessModel, companyID, productID int64, usages []*domain.ApiUsage) error
}

// PostgresStore implements Store on the shared repositories
type PostgresStore struct {
	db *postgres.DB
}

// NewPostgresStore creates a Postgres-backed budget store
func NewPostgresStore(db *postgres.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetCompany retrieves a company without locking
func (s *PostgresStore) GetCompany(ctx context.Context, id int64) (*domain.Company, error) {
	return postgres.NewCompanyRepository(s.db.DB).GetByID(ctx, id)
}

// GetSubscription retrieves a subscription without locking
func (s *PostgresStore) GetSubscription(ctx context.Context, companyID, productID int64) (*domain.Subscription, error) {
	return postgres.NewSubscriptionRepository(s.db.DB).Get(ctx, companyID, productID)
}

// ResetDailyIfNeeded zeroes ai_used_today under a row lock when due
func (s *PostgresStore) ResetDailyIfNeeded(ctx context.Context, companyID int64, now time.Time) (*domain.Company, error) {
	var company *domain.Company

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repo := postgres.NewCompanyRepository(tx)

		locked, err := repo.GetByIDForUpdate(ctx, companyID)
		if err != nil {
			return err
		}

		// Re-check under the lock: another request may have reset already
		if locked.NeedsDailyReset(now) {
			if err := repo.ResetDailyUsage(ctx, companyID, now); err != nil {
				return err
			}
			locked.AIUsedToday = 0
			locked.LastUsageResetDate = &now
		}

		company = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	return company, nil
}

// ResetMonthlyIfNeeded zeroes claude_used_this_month under a row lock when due
func (s *PostgresStore) ResetMonthlyIfNeeded(ctx context.Context, companyID, productID int64, now time.Time) (*domain.Subscription, error) {
	var sub *domain.Subscription

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repo := postgres.NewSubscriptionRepository(tx)

		locked, err := repo.GetForUpdate(ctx, companyID, productID)
		if err != nil {
			return err
		}

		if locked.NeedsMonthlyReset(now) {
			nextReset := domain.NextBudgetResetDate(now)
			if err := repo.ResetMonthlyUsage(ctx, companyID, productID, nextReset); err != nil {
				return err
			}
			locked.ClaudeUsedThisMonth = 0
			locked.BudgetResetDate = nextReset
		}

		sub = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// ApplyUsage increments the right counter and appends the accounting row
// atomically. BYOK usage is recorded but counts against no budget.
func (s *PostgresStore) ApplyUsage(ctx context.Context, model domain.AccessModel, usage *domain.ApiUsage) error {
	return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.incrementCounter(ctx, tx, model, usage.CompanyID, usage.ProductID, usage.APICost); err != nil {
			return err
		}
		return postgres.NewApiUsageRepository(tx).Insert(ctx, usage)
	})
}

// ApplyUsageBatch books a group of rows for one (company, product) pair in a
// single transaction: the counter row is locked and incremented once for the
// whole group instead of once per row.
func (s *PostgresStore) ApplyUsageBatch(ctx context.Context, model domain.AccessModel, companyID, productID int64, usages []*domain.ApiUsage) error {
	if len(usages) == 0 {
		return nil
	}

	var total float64
	for _, u := range usages {
		total += u.APICost
	}

	return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := s.incrementCounter(ctx, tx, model, companyID, productID, total); err != nil {
			return err
		}
		return postgres.NewApiUsageRepository(tx).InsertBatch(ctx, usages)
	})
}

func (s *PostgresStore) incrementCounter(ctx context.Context, tx *sqlx.Tx, model domain.AccessModel, companyID, productID int64, cost float64) error {
	switch model {
	case domain.AccessModelEarlyAccess:
		repo := postgres.NewCompanyRepository(tx)
		if _, err := repo.GetByIDForUpdate(ctx, companyID); err != nil {
			return err
		}
		return repo.AddDailyUsage(ctx, companyID, cost)
	case domain.AccessModelLegacy:
		repo := postgres.NewSubscriptionRepository(tx)
		if _, err := repo.GetForUpdate(ctx, companyID, productID); err != nil {
			return err
		}
		return repo.AddMonthlyUsage(ctx, companyID, productID, cost)
	}
	return nil
}
