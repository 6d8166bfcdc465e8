// Package budget is the admission gate in front of every AI call. It decides
// whether a company may spend, enforces daily and monthly ceilings, and keeps
// the append-only usage ledger consistent with the counters.
package budget

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/formscout/formscout/internal/crypto"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/observability"
	redisrepo "github.com/formscout/formscout/internal/repository/redis"
)

// AccessCache holds admission snapshots; the hot path reads these instead
// of Postgres
type AccessCache interface {
	GetAccess(ctx context.Context, companyID int64) (*redisrepo.AccessSnapshot, error)
	SetAccess(ctx context.Context, snap *redisrepo.AccessSnapshot) error
	InvalidateAccess(ctx context.Context, companyID int64) error
}

// Decision is the result of a successful admission check
type Decision struct {
	Model     domain.AccessModel
	Unlimited bool
	Total     float64
	Used      float64
	Remaining float64
}

// Service implements the budget gate
type Service struct {
	store       Store
	cache       AccessCache
	metrics     *observability.Metrics
	logger      *zap.Logger
	platformKey string
	encKey      []byte
	now         func() time.Time
}

// NewService creates the budget gate
func NewService(store Store, cache AccessCache, platformKey string, encKey []byte, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		platformKey: platformKey,
		encKey:      encKey,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Check decides whether a company may spend estimated dollars on its next AI
// call. Denials come back as *domain.AccessDenied or *domain.BudgetExceeded;
// any other error is infrastructure.
func (s *Service) Check(ctx context.Context, companyID, productID int64, estimated float64) (*Decision, error) {
	if snap, err := s.cache.GetAccess(ctx, companyID); err == nil && snap != nil {
		return s.decide(companyID, snap, estimated)
	} else if err != nil {
		// Cache trouble degrades to a database read, never to a denial
		s.logger.Warn("access cache read failed", zap.Int64("company_id", companyID), zap.Error(err))
	}

	snap, err := s.evaluate(ctx, companyID, productID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetAccess(ctx, snap); err != nil {
		s.logger.Warn("access cache write failed", zap.Int64("company_id", companyID), zap.Error(err))
	}

	return s.decide(companyID, snap, estimated)
}

// evaluate computes a fresh admission snapshot from the database
func (s *Service) evaluate(ctx context.Context, companyID, productID int64) (*redisrepo.AccessSnapshot, error) {
	now := s.now()

	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}

	snap := &redisrepo.AccessSnapshot{
		CompanyID:   companyID,
		AccessModel: company.AccessModel,
		CachedAt:    now,
	}

	switch company.AccessStatus {
	case domain.AccessStatusPending:
		snap.DenialCode = domain.ErrCodeAccessPending
		return snap, nil
	case domain.AccessStatusRevoked:
		snap.DenialCode = domain.ErrCodeAccessDenied
		return snap, nil
	case domain.AccessStatusActive:
	default:
		snap.DenialCode = domain.ErrCodeAccessDenied
		return snap, nil
	}

	switch company.AccessModel {
	case domain.AccessModelBYOK:
		sub, err := s.store.GetSubscription(ctx, companyID, productID)
		if err != nil {
			return nil, err
		}
		if !sub.IsBYOK() {
			snap.DenialCode = domain.ErrCodeNoAPIKey
			return snap, nil
		}
		snap.Allowed = true
		return snap, nil

	case domain.AccessModelEarlyAccess:
		if company.TrialExpired(now) {
			snap.DenialCode = domain.ErrCodeTrialExpired
			return snap, nil
		}
		if company.NeedsDailyReset(now) {
			company, err = s.store.ResetDailyIfNeeded(ctx, companyID, now)
			if err != nil {
				return nil, err
			}
		}
		snap.Allowed = true
		snap.BudgetTotal = company.DailyAIBudget
		snap.BudgetUsed = company.AIUsedToday
		return snap, nil

	case domain.AccessModelLegacy:
		sub, err := s.store.GetSubscription(ctx, companyID, productID)
		if err != nil {
			return nil, err
		}
		if sub.NeedsMonthlyReset(now) {
			sub, err = s.store.ResetMonthlyIfNeeded(ctx, companyID, productID, now)
			if err != nil {
				return nil, err
			}
		}
		snap.Allowed = true
		snap.BudgetTotal = sub.MonthlyClaudeBudget
		snap.BudgetUsed = sub.ClaudeUsedThisMonth
		return snap, nil

	default:
		snap.DenialCode = domain.ErrCodeAccessDenied
		return snap, nil
	}
}

// decide turns a snapshot plus the estimated spend into a verdict
func (s *Service) decide(companyID int64, snap *redisrepo.AccessSnapshot, estimated float64) (*Decision, error) {
	if s.metrics != nil {
		s.metrics.BudgetChecksTotal.WithLabelValues(string(snap.AccessModel)).Inc()
	}

	if !snap.Allowed {
		if s.metrics != nil {
			s.metrics.BudgetDenialsTotal.WithLabelValues(snap.DenialCode).Inc()
		}
		return nil, &domain.AccessDenied{
			Code:      snap.DenialCode,
			CompanyID: companyID,
			Reason:    denialReason(snap.DenialCode),
		}
	}

	if snap.AccessModel == domain.AccessModelBYOK {
		return &Decision{
			Model:     snap.AccessModel,
			Unlimited: true,
			Total:     math.Inf(1),
			Remaining: math.Inf(1),
		}, nil
	}

	remaining := snap.BudgetTotal - snap.BudgetUsed
	if remaining <= 0 || remaining < estimated {
		if s.metrics != nil {
			s.metrics.BudgetDenialsTotal.WithLabelValues(domain.ErrCodeBudgetExceeded).Inc()
		}
		return nil, &domain.BudgetExceeded{
			CompanyID: companyID,
			Total:     snap.BudgetTotal,
			Used:      snap.BudgetUsed,
			Estimated: estimated,
		}
	}

	return &Decision{
		Model:     snap.AccessModel,
		Total:     snap.BudgetTotal,
		Used:      snap.BudgetUsed,
		Remaining: remaining,
	}, nil
}

func denialReason(code string) string {
	switch code {
	case domain.ErrCodeCompanyNotFound:
		return "company not found"
	case domain.ErrCodeAccessPending:
		return "access request has not been approved yet"
	case domain.ErrCodeAccessDenied:
		return "access has been revoked"
	case domain.ErrCodeTrialExpired:
		return "early access trial has ended"
	case domain.ErrCodeNoAPIKey:
		return "no API key configured for this subscription"
	default:
		return "access denied"
	}
}

// RecordUsage books the actual cost of a completed AI call: counter and
// ledger move in one transaction, then the cached snapshot is dropped so the
// next check sees the new balance.
func (s *Service) RecordUsage(ctx context.Context, model domain.AccessModel, usage *domain.ApiUsage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = s.now()
	}
	usage.TokensUsed = usage.InputTokens + usage.OutputTokens

	if err := s.store.ApplyUsage(ctx, model, usage); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.UsageRecordedTotal.Inc()
	}

	if err := s.cache.InvalidateAccess(ctx, usage.CompanyID); err != nil {
		s.logger.Warn("access cache invalidation failed",
			zap.Int64("company_id", usage.CompanyID), zap.Error(err))
	}

	return nil
}

// BatchEntry pairs a usage row with the access model it books against
type BatchEntry struct {
	Model domain.AccessModel
	Usage *domain.ApiUsage
}

// RecordBatch books many usage rows. Entries are grouped by
// (company_id, product_id) and each group commits in one transaction: one row
// lock, one counter increment for the group's summed cost, and all its ledger
// rows. Groups apply in ascending key order so concurrent batches take row
// locks in the same order and cannot deadlock each other.
func (s *Service) RecordBatch(ctx context.Context, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	sorted := make([]BatchEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	for _, e := range sorted {
		if e.Usage.Timestamp.IsZero() {
			e.Usage.Timestamp = s.now()
		}
		e.Usage.TokensUsed = e.Usage.InputTokens + e.Usage.OutputTokens
	}

	touched := make(map[int64]struct{})
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sameGroup(sorted[start], sorted[end]) {
			end++
		}

		group := sorted[start:end]
		usages := make([]*domain.ApiUsage, len(group))
		for i, e := range group {
			usages[i] = e.Usage
		}

		head := group[0]
		if err := s.store.ApplyUsageBatch(ctx, head.Model, head.Usage.CompanyID, head.Usage.ProductID, usages); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.UsageRecordedTotal.Add(float64(len(group)))
		}
		touched[head.Usage.CompanyID] = struct{}{}
		start = end
	}

	for companyID := range touched {
		if err := s.cache.InvalidateAccess(ctx, companyID); err != nil {
			s.logger.Warn("access cache invalidation failed",
				zap.Int64("company_id", companyID), zap.Error(err))
		}
	}

	return nil
}

func less(a, b BatchEntry) bool {
	if a.Usage.CompanyID != b.Usage.CompanyID {
		return a.Usage.CompanyID < b.Usage.CompanyID
	}
	return a.Usage.ProductID < b.Usage.ProductID
}

func sameGroup(a, b BatchEntry) bool {
	return a.Usage.CompanyID == b.Usage.CompanyID &&
		a.Usage.ProductID == b.Usage.ProductID &&
		a.Model == b.Model
}

// ProviderKey resolves the provider API key for a company. BYOK companies
// get their own decrypted key; everyone else spends on the platform key.
func (s *Service) ProviderKey(ctx context.Context, companyID, productID int64, model domain.AccessModel) (string, error) {
	if model != domain.AccessModelBYOK {
		if s.platformKey == "" {
			return "", &domain.AccessDenied{
				Code:      domain.ErrCodeNoAPIKey,
				CompanyID: companyID,
				Reason:    "no platform API key configured",
			}
		}
		return s.platformKey, nil
	}

	sub, err := s.store.GetSubscription(ctx, companyID, productID)
	if err != nil {
		return "", err
	}
	if !sub.IsBYOK() {
		return "", &domain.AccessDenied{
			Code:      domain.ErrCodeNoAPIKey,
			CompanyID: companyID,
			Reason:    "no API key configured for this subscription",
		}
	}

	key, err := crypto.Decrypt(sub.CustomerAPIKeyEnc, s.encKey)
	if err != nil {
		return "", err
	}

	return key, nil
}
