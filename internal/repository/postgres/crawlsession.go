package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/formscout/formscout/internal/domain"
)

// CrawlSessionRepository implements domain.CrawlSessionRepository with PostgreSQL
type CrawlSessionRepository struct {
	db sqlx.ExtContext
}

// NewCrawlSessionRepository creates a new crawl session repository
func NewCrawlSessionRepository(db sqlx.ExtContext) *CrawlSessionRepository {
	return &CrawlSessionRepository{db: db}
}

// WithTx returns a copy bound to the given transaction
func (r *CrawlSessionRepository) WithTx(tx *sqlx.Tx) *CrawlSessionRepository {
	return &CrawlSessionRepository{db: tx}
}

// crawlSessionRow represents the database row structure
type crawlSessionRow struct {
	ID              int64      `db:"id"`
	CompanyID       int64      `db:"company_id"`
	ProductID       int64      `db:"product_id"`
	ProjectID       int64      `db:"project_id"`
	NetworkID       int64      `db:"network_id"`
	UserID          int64      `db:"user_id"`
	Status          string     `db:"status"`
	PagesCrawled    int        `db:"pages_crawled"`
	FormsFound      int        `db:"forms_found"`
	CancelRequested bool       `db:"cancel_requested"`
	ErrorCode       *string    `db:"error_code"`
	ErrorMessage    *string    `db:"error_message"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func (r *crawlSessionRow) toDomain() *domain.CrawlSession {
	s := &domain.CrawlSession{
		ID:              r.ID,
		CompanyID:       r.CompanyID,
		ProductID:       r.ProductID,
		ProjectID:       r.ProjectID,
		NetworkID:       r.NetworkID,
		UserID:          r.UserID,
		Status:          domain.SessionStatus(r.Status),
		PagesCrawled:    r.PagesCrawled,
		FormsFound:      r.FormsFound,
		CancelRequested: r.CancelRequested,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Timestamps: domain.Timestamps{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		},
	}
	if r.ErrorCode != nil {
		s.ErrorCode = *r.ErrorCode
	}
	if r.ErrorMessage != nil {
		s.ErrorMessage = *r.ErrorMessage
	}
	return s
}

const crawlSessionColumns = `
	id, company_id, product_id, project_id, network_id, user_id, status,
	pages_crawled, forms_found, cancel_requested, error_code, error_message,
	started_at, completed_at, created_at, updated_at, deleted_at
`

// Create inserts a new crawl session and backfills its serial ID
func (r *CrawlSessionRepository) Create(ctx context.Context, session *domain.CrawlSession) error {
	query := `
		INSERT INTO crawl_sessions (
			company_id, product_id, project_id, network_id, user_id, status,
			pages_crawled, forms_found, cancel_requested, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	row := r.db.QueryRowxContext(ctx, query,
		session.CompanyID,
		session.ProductID,
		session.ProjectID,
		session.NetworkID,
		session.UserID,
		string(session.Status),
		session.PagesCrawled,
		session.FormsFound,
		session.CancelRequested,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err := row.Scan(&session.ID); err != nil {
		if isForeignKeyViolation(err) {
			return domain.NotFoundError("network", session.NetworkID)
		}
		return err
	}

	return nil
}

// GetByID retrieves a crawl session by ID
func (r *CrawlSessionRepository) GetByID(ctx context.Context, id int64) (*domain.CrawlSession, error) {
	query := `SELECT ` + crawlSessionColumns + ` FROM crawl_sessions WHERE id = $1 AND deleted_at IS NULL`

	var row crawlSessionRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFoundError("crawl session", id)
		}
		return nil, err
	}

	return row.toDomain(), nil
}

// Update persists session state mutations (status, errors, completion)
func (r *CrawlSessionRepository) Update(ctx context.Context, session *domain.CrawlSession) error {
	query := `
		UPDATE crawl_sessions
		SET status = $2, pages_crawled = $3, forms_found = $4,
		    cancel_requested = $5, error_code = NULLIF($6, ''),
		    error_message = NULLIF($7, ''), started_at = $8, completed_at = $9,
		    updated_at = $10
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		session.ID,
		string(session.Status),
		session.PagesCrawled,
		session.FormsFound,
		session.CancelRequested,
		session.ErrorCode,
		session.ErrorMessage,
		session.StartedAt,
		session.CompletedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("crawl session", session.ID)
	}

	return nil
}

// RequestCancel raises the cancel flag. The agent learns about it on its next
// heartbeat; the session stays running until the agent confirms.
func (r *CrawlSessionRepository) RequestCancel(ctx context.Context, id int64) error {
	query := `
		UPDATE crawl_sessions
		SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("crawl session", id)
	}

	return nil
}

// UpdateProgress bumps the progress counters mid-crawl
func (r *CrawlSessionRepository) UpdateProgress(ctx context.Context, id int64, pages, forms int) error {
	query := `
		UPDATE crawl_sessions
		SET pages_crawled = $2, forms_found = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, pages, forms, time.Now().UTC())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NotFoundError("crawl session", id)
	}

	return nil
}
