package ai

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/budget"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/observability"
)

const defaultMaxTokens = 8192

// BudgetGate is the admission and accounting surface the broker needs
type BudgetGate interface {
	Check(ctx context.Context, companyID, productID int64, estimated float64) (*budget.Decision, error)
	ProviderKey(ctx context.Context, companyID, productID int64, model domain.AccessModel) (string, error)
	RecordUsage(ctx context.Context, model domain.AccessModel, usage *domain.ApiUsage) error
}

// CallContext attributes one AI call to a tenant, user and session
type CallContext struct {
	CompanyID      int64
	ProductID      int64
	UserID         int64
	CrawlSessionID *int64
}

// Broker is the single facade over the AI provider. Every operation clears
// the budget gate before the call and books actual usage after it.
type Broker struct {
	client  *Client
	gate    BudgetGate
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewBroker creates the AI broker
func NewBroker(client *Client, gate BudgetGate, metrics *observability.Metrics, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, gate: gate, metrics: metrics, logger: logger}
}

// estimateTokens approximates prompt size for admission; ~4 bytes per token
func estimateTokens(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	return total / 4
}

// textCall runs the budget-check / call / record cycle for a text operation
func (b *Broker) textCall(ctx context.Context, cc CallContext, op domain.OperationType, system, user string) (string, error) {
	estimated := domain.CallCost(estimateTokens(system, user), defaultMaxTokens,
		domain.TextPriceInPerMTok, domain.TextPriceOutPerMTok)

	decision, err := b.gate.Check(ctx, cc.CompanyID, cc.ProductID, estimated)
	if err != nil {
		return "", err
	}

	apiKey, err := b.gate.ProviderKey(ctx, cc.CompanyID, cc.ProductID, decision.Model)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, usage, err := b.client.Complete(ctx, apiKey, system, user, defaultMaxTokens)
	b.record(ctx, cc, op, decision.Model, usage,
		domain.TextPriceInPerMTok, domain.TextPriceOutPerMTok, start, err)
	if err != nil {
		return "", err
	}

	return text, nil
}

// visionCall is textCall for the vision model and its prices
func (b *Broker) visionCall(ctx context.Context, cc CallContext, op domain.OperationType, system, user string, images []string) (string, error) {
	estimated := domain.CallCost(estimateTokens(system, user)+1600*len(images), defaultMaxTokens,
		domain.VisionPriceInPerMTok, domain.VisionPriceOutPerMTok)

	decision, err := b.gate.Check(ctx, cc.CompanyID, cc.ProductID, estimated)
	if err != nil {
		return "", err
	}

	apiKey, err := b.gate.ProviderKey(ctx, cc.CompanyID, cc.ProductID, decision.Model)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, usage, err := b.client.CompleteVision(ctx, apiKey, system, user, images, defaultMaxTokens)
	b.record(ctx, cc, op, decision.Model, usage,
		domain.VisionPriceInPerMTok, domain.VisionPriceOutPerMTok, start, err)
	if err != nil {
		return "", err
	}

	return text, nil
}

// record books usage and metrics. Usage is recorded only on success; failed
// calls cost the provider nothing we can bill for reliably.
func (b *Broker) record(ctx context.Context, cc CallContext, op domain.OperationType, model domain.AccessModel, usage *Usage, priceIn, priceOut float64, start time.Time, callErr error) {
	outcome := "success"
	if callErr != nil {
		outcome = "error"
	}

	var in, out int
	var cost float64
	if usage != nil {
		in, out = usage.InputTokens, usage.OutputTokens
		cost = domain.CallCost(in, out, priceIn, priceOut)
	}

	if b.metrics != nil {
		b.metrics.ObserveAICall(string(op), outcome, in, out, cost, time.Since(start))
	}

	if callErr != nil || usage == nil {
		return
	}

	err := b.gate.RecordUsage(ctx, model, &domain.ApiUsage{
		CompanyID:      cc.CompanyID,
		ProductID:      cc.ProductID,
		UserID:         cc.UserID,
		CrawlSessionID: cc.CrawlSessionID,
		OperationType:  op,
		InputTokens:    in,
		OutputTokens:   out,
		APICost:        cost,
	})
	if err != nil {
		b.logger.Error("recording AI usage failed",
			zap.Int64("company_id", cc.CompanyID), zap.String("operation", string(op)), zap.Error(err))
	}
}

// GenerateLoginSteps produces the steps that log into the target app
func (b *Broker) GenerateLoginSteps(ctx context.Context, cc CallContext, dom string, credentials map[string]string, hints string) (*StepsResult, error) {
	system, user := LoginStepsPrompt(dom, credentials, hints)
	raw, err := b.textCall(ctx, cc, domain.OpLoginSteps, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeSteps(raw)
}

// GenerateLogoutSteps produces the steps that log out
func (b *Broker) GenerateLogoutSteps(ctx context.Context, cc CallContext, dom, hints string) (*StepsResult, error) {
	system, user := LogoutStepsPrompt(dom, hints)
	raw, err := b.textCall(ctx, cc, domain.OpLogoutSteps, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeSteps(raw)
}

// ExtractFormName names the form on the current page
func (b *Broker) ExtractFormName(ctx context.Context, cc CallContext, pageContext string, existingNames []string) (string, error) {
	system, user := FormNamePrompt(pageContext, existingNames)
	raw, err := b.textCall(ctx, cc, domain.OpFormName, system, user)
	if err != nil {
		return "", err
	}

	var result FormNameResult
	if err := DecodeJSON(raw, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.FormName), nil
}

// ExtractParentFields finds parent-entity references on a form
func (b *Broker) ExtractParentFields(ctx context.Context, cc CallContext, formName, dom string) (*ParentFieldsResult, error) {
	system, user := ParentFieldsPrompt(formName, dom)
	raw, err := b.textCall(ctx, cc, domain.OpParentFields, system, user)
	if err != nil {
		return nil, err
	}

	var result ParentFieldsResult
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyUIDefects scans a screenshot for visual defects
func (b *Broker) VerifyUIDefects(ctx context.Context, cc CallContext, formName, screenshotB64 string) (*UIDefectsResult, error) {
	system, user := UIDefectsPrompt(formName)
	raw, err := b.visionCall(ctx, cc, domain.OpUIDefects, system, user, []string{screenshotB64})
	if err != nil {
		return nil, err
	}

	var result UIDefectsResult
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// IsSubmissionButton classifies a button as form-opening
func (b *Broker) IsSubmissionButton(ctx context.Context, cc CallContext, buttonText string) (bool, error) {
	system, user := IsSubmissionButtonPrompt(buttonText)
	raw, err := b.textCall(ctx, cc, domain.OpIsSubmissionButton, system, user)
	if err != nil {
		return false, err
	}

	var result ClassificationResult
	if err := DecodeJSON(raw, &result); err != nil {
		return false, err
	}
	return result.Answer, nil
}

// GetNavigationClickables downselects clickables worth exploring from a
// screenshot
func (b *Broker) GetNavigationClickables(ctx context.Context, cc CallContext, screenshotB64 string, candidates []ClickableCandidate) ([]int, error) {
	system, user := NavigationClickablesPrompt(candidates)
	raw, err := b.visionCall(ctx, cc, domain.OpNavigationClickables, system, user, []string{screenshotB64})
	if err != nil {
		return nil, err
	}

	var result NavigationPick
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}

	// Drop indices outside the candidate range
	valid := result.Indices[:0]
	for _, idx := range result.Indices {
		if idx >= 0 && idx < len(candidates) {
			valid = append(valid, idx)
		}
	}
	return valid, nil
}

// GenerateFormSteps produces the next path through the form
func (b *Broker) GenerateFormSteps(ctx context.Context, cc CallContext, dom string, testCases, currentPath, previousPaths []string) (*StepsResult, error) {
	system, user := FormStepsPrompt(dom, testCases, currentPath, previousPaths)
	raw, err := b.textCall(ctx, cc, domain.OpFormSteps, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeSteps(raw)
}

// RegenerateSteps retries after a failure mid-path
func (b *Broker) RegenerateSteps(ctx context.Context, cc CallContext, dom string, executed []domain.Step, testCases []string, failureNote string) (*StepsResult, error) {
	system, user := RegenerateStepsPrompt(dom, executed, testCases, failureNote)
	raw, err := b.textCall(ctx, cc, domain.OpRegenerateSteps, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeSteps(raw)
}

// RegenerateVerifySteps produces verification steps after save/submit.
// filledValues maps field names to the values the fill steps entered.
func (b *Broker) RegenerateVerifySteps(ctx context.Context, cc CallContext, dom string, filledValues map[string]string) (*StepsResult, error) {
	system, user := VerifyStepsPrompt(dom, filledValues)
	raw, err := b.textCall(ctx, cc, domain.OpVerifySteps, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeSteps(raw)
}

// AnalyzeError classifies an alert or failure
func (b *Broker) AnalyzeError(ctx context.Context, cc CallContext, errorInfo string, executed []domain.Step, dom string) (*ErrorAnalysis, error) {
	system, user := AnalyzeErrorPrompt(errorInfo, executed, dom)
	raw, err := b.textCall(ctx, cc, domain.OpAnalyzeError, system, user)
	if err != nil {
		return nil, err
	}

	var result ErrorAnalysis
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AnalyzeValidationErrors inspects inline validation messages
func (b *Broker) AnalyzeValidationErrors(ctx context.Context, cc CallContext, executed []domain.Step, dom string) (*ErrorAnalysis, error) {
	system, user := AnalyzeValidationErrorsPrompt(executed, dom)
	raw, err := b.textCall(ctx, cc, domain.OpValidationErrors, system, user)
	if err != nil {
		return nil, err
	}

	var result ErrorAnalysis
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AnalyzeFailureAndRecover produces replacement steps after a step could not
// execute
func (b *Broker) AnalyzeFailureAndRecover(ctx context.Context, cc CallContext, failed domain.Step, executed []domain.Step, dom string) ([]domain.Step, error) {
	system, user := FailureRecoveryPrompt(failed, executed, dom)
	raw, err := b.textCall(ctx, cc, domain.OpFailureRecovery, system, user)
	if err != nil {
		return nil, err
	}

	result, err := DecodeSteps(raw)
	if err != nil {
		return nil, err
	}
	return result.Steps, nil
}

// VerifyJunction compares before/after screenshots of a select change
func (b *Broker) VerifyJunction(ctx context.Context, cc CallContext, beforeB64, afterB64 string, step domain.Step) (*JunctionVerdict, error) {
	system, user := VerifyJunctionPrompt(step)
	raw, err := b.visionCall(ctx, cc, domain.OpVerifyJunction, system, user, []string{beforeB64, afterB64})
	if err != nil {
		return nil, err
	}

	var result JunctionVerdict
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AssignTestCases maps test cases onto explored paths
func (b *Broker) AssignTestCases(ctx context.Context, cc CallContext, paths, testCases []string) (*TestCaseAssignment, error) {
	system, user := AssignTestCasesPrompt(paths, testCases)
	raw, err := b.textCall(ctx, cc, domain.OpAssignTestCases, system, user)
	if err != nil {
		return nil, err
	}

	var result TestCaseAssignment
	if err := DecodeJSON(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
