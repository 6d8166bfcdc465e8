package domain

import (
	"context"
	"math"
	"time"
)

// Per-million-token prices. Configurable at the budget service; these are
// the defaults matching the provider's published rates.
const (
	TextPriceInPerMTok    = 3.00
	TextPriceOutPerMTok   = 15.00
	VisionPriceInPerMTok  = 1.00
	VisionPriceOutPerMTok = 5.00
)

// OperationType names the AI operation a usage row was recorded for
type OperationType string

const (
	OpLoginSteps           OperationType = "login_steps"
	OpLogoutSteps          OperationType = "logout_steps"
	OpFormName             OperationType = "form_name"
	OpParentFields         OperationType = "parent_fields"
	OpUIDefects            OperationType = "ui_defects"
	OpIsSubmissionButton   OperationType = "is_submission_button"
	OpNavigationClickables OperationType = "navigation_clickables"
	OpFormSteps            OperationType = "form_steps"
	OpRegenerateSteps      OperationType = "regenerate_steps"
	OpVerifySteps          OperationType = "verify_steps"
	OpAnalyzeError         OperationType = "analyze_error"
	OpValidationErrors     OperationType = "validation_errors"
	OpFailureRecovery      OperationType = "failure_recovery"
	OpVerifyJunction       OperationType = "verify_junction"
	OpAssignTestCases      OperationType = "assign_test_cases"
)

// ApiUsage is one append-only accounting row per successful AI call
type ApiUsage struct {
	ID             int64         `json:"id" db:"id"`
	CompanyID      int64         `json:"company_id" db:"company_id"`
	ProductID      int64         `json:"product_id" db:"product_id"`
	UserID         int64         `json:"user_id" db:"user_id"`
	CrawlSessionID *int64        `json:"crawl_session_id,omitempty" db:"crawl_session_id"`
	OperationType  OperationType `json:"operation_type" db:"operation_type"`
	InputTokens    int           `json:"input_tokens" db:"input_tokens"`
	OutputTokens   int           `json:"output_tokens" db:"output_tokens"`
	TokensUsed     int           `json:"tokens_used" db:"tokens_used"`
	APICost        float64       `json:"api_cost" db:"api_cost"`
	Timestamp      time.Time     `json:"timestamp" db:"timestamp"`
}

// CallCost computes the dollar cost of a call, rounded to 6 decimals
func CallCost(inputTokens, outputTokens int, priceIn, priceOut float64) float64 {
	cost := float64(inputTokens)/1e6*priceIn + float64(outputTokens)/1e6*priceOut
	return math.Round(cost*1e6) / 1e6
}

// ApiUsageRepository defines data access for usage rows
type ApiUsageRepository interface {
	Insert(ctx context.Context, usage *ApiUsage) error
	InsertBatch(ctx context.Context, usages []*ApiUsage) error
	SumForSession(ctx context.Context, sessionID int64) (float64, error)
}
