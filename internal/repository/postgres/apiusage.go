package postgres

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// ApiUsageRepository implements domain.ApiUsageRepository with PostgreSQL
type ApiUsageRepository struct {
	db sqlx.ExtContext
}

// NewApiUsageRepository creates a new API usage repository
func NewApiUsageRepository(db sqlx.ExtContext) *ApiUsageRepository {
	return &ApiUsageRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *ApiUsageRepository) WithTx(tx *sqlx.Tx) *ApiUsageRepository {
	return &ApiUsageRepository{db: tx}
}

const insertUsageQuery = `
	INSERT INTO api_usage (
		company_id, product_id, user_id, crawl_session_id, operation_type,
		input_tokens, output_tokens, tokens_used, api_cost, timestamp
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id
`

// Insert appends one usage row
func (r *ApiUsageRepository) Insert(ctx context.Context, usage *domain.ApiUsage) error {
	row := r.db.QueryRowxContext(ctx, insertUsageQuery,
		usage.CompanyID,
		usage.ProductID,
		usage.UserID,
		usage.CrawlSessionID,
		string(usage.OperationType),
		usage.InputTokens,
		usage.OutputTokens,
		usage.TokensUsed,
		usage.APICost,
		usage.Timestamp,
	)
	return row.Scan(&usage.ID)
}

// InsertBatch appends many usage rows. Rows are inserted in ascending
// (company_id, product_id) order so concurrent batches that also touch the
// budget counters take their locks in the same order.
func (r *ApiUsageRepository) InsertBatch(ctx context.Context, usages []*domain.ApiUsage) error {
	sorted := make([]*domain.ApiUsage, len(usages))
	copy(sorted, usages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CompanyID != sorted[j].CompanyID {
			return sorted[i].CompanyID < sorted[j].CompanyID
		}
		return sorted[i].ProductID < sorted[j].ProductID
	})

	for _, usage := range sorted {
		if err := r.Insert(ctx, usage); err != nil {
			return err
		}
	}

	return nil
}

// SumForSession returns the total AI cost attributed to a crawl session
func (r *ApiUsageRepository) SumForSession(ctx context.Context, sessionID int64) (float64, error) {
	query := `
		SELECT COALESCE(SUM(api_cost), 0)
		FROM api_usage
		WHERE crawl_session_id = $1
	`

	var total float64
	if err := sqlx.GetContext(ctx, r.db, &total, query, sessionID); err != nil {
		return 0, err
	}

	return total, nil
}
