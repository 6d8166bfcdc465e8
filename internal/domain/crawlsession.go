package domain

import (
	"context"
	"time"
)

// CrawlSession tracks one form-discovery run end to end
type CrawlSession struct {
	ID              int64         `json:"id" db:"id"`
	CompanyID       int64         `json:"company_id" db:"company_id"`
	ProductID       int64         `json:"product_id" db:"product_id"`
	ProjectID       int64         `json:"project_id" db:"project_id"`
	NetworkID       int64         `json:"network_id" db:"network_id"`
	UserID          int64         `json:"user_id" db:"user_id"`
	Status          SessionStatus `json:"status" db:"status"`
	PagesCrawled    int           `json:"pages_crawled" db:"pages_crawled"`
	FormsFound      int           `json:"forms_found" db:"forms_found"`
	CancelRequested bool          `json:"cancel_requested" db:"cancel_requested"`
	ErrorCode       string        `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage    string        `json:"error_message,omitempty" db:"error_message"`
	StartedAt       *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	Timestamps
}

// NewCrawlSession creates a pending crawl session
func NewCrawlSession(companyID, productID, projectID, networkID, userID int64) *CrawlSession {
	now := time.Now().UTC()
	return &CrawlSession{
		CompanyID:  companyID,
		ProductID:  productID,
		ProjectID:  projectID,
		NetworkID:  networkID,
		UserID:     userID,
		Status:     SessionStatusPending,
		Timestamps: Timestamps{CreatedAt: now, UpdatedAt: now},
	}
}

// Start marks the session running
func (s *CrawlSession) Start() {
	now := time.Now().UTC()
	s.Status = SessionStatusRunning
	s.StartedAt = &now
	s.Touch()
}

// Complete marks the session completed. Terminal status implies CompletedAt.
func (s *CrawlSession) Complete(pages, forms int) {
	now := time.Now().UTC()
	s.Status = SessionStatusCompleted
	s.PagesCrawled = pages
	s.FormsFound = forms
	s.CompletedAt = &now
	s.Touch()
}

// Fail marks the session failed with a propagated error code
func (s *CrawlSession) Fail(code, message string) {
	now := time.Now().UTC()
	s.Status = SessionStatusFailed
	s.ErrorCode = code
	s.ErrorMessage = message
	s.CompletedAt = &now
	s.Touch()
}

// Cancel marks the session cancelled. Cancellation is not an error, but the
// status endpoint still reports USER_CANCELLED as the error code.
// No-op on terminal sessions (cancel is idempotent).
func (s *CrawlSession) Cancel() {
	if s.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	s.Status = SessionStatusCancelled
	s.ErrorCode = ErrCodeUserCancelled
	s.CompletedAt = &now
	s.Touch()
}

// CrawlSessionRepository defines data access for crawl sessions
type CrawlSessionRepository interface {
	Create(ctx context.Context, session *CrawlSession) error
	GetByID(ctx context.Context, id int64) (*CrawlSession, error)
	Update(ctx context.Context, session *CrawlSession) error
	RequestCancel(ctx context.Context, id int64) error
	UpdateProgress(ctx context.Context, id int64, pages, forms int) error
}
