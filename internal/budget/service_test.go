package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/formscout/formscout/internal/domain"
	redisrepo "github.com/formscout/formscout/internal/repository/redis"
)

type batchCall struct {
	companyID int64
	productID int64
	rows      int
	total     float64
}

type fakeStore struct {
	company *domain.Company
	sub     *domain.Subscription

	dailyResets   int
	monthlyResets int
	applied       []*domain.ApiUsage
	batches       []batchCall
}

func (f *fakeStore) GetCompany(_ context.Context, id int64) (*domain.Company, error) {
	if f.company == nil || f.company.ID != id {
		return nil, &domain.AccessDenied{Code: domain.ErrCodeCompanyNotFound, CompanyID: id, Reason: "company not found"}
	}
	return f.company, nil
}

func (f *fakeStore) GetSubscription(_ context.Context, companyID, productID int64) (*domain.Subscription, error) {
	if f.sub == nil {
		return nil, domain.NotFoundError("subscription", companyID)
	}
	return f.sub, nil
}

func (f *fakeStore) ResetDailyIfNeeded(_ context.Context, _ int64, now time.Time) (*domain.Company, error) {
	f.dailyResets++
	f.company.AIUsedToday = 0
	f.company.LastUsageResetDate = &now
	return f.company, nil
}

func (f *fakeStore) ResetMonthlyIfNeeded(_ context.Context, _, _ int64, now time.Time) (*domain.Subscription, error) {
	f.monthlyResets++
	f.sub.ClaudeUsedThisMonth = 0
	f.sub.BudgetResetDate = domain.NextBudgetResetDate(now)
	return f.sub, nil
}

func (f *fakeStore) ApplyUsage(_ context.Context, model domain.AccessModel, usage *domain.ApiUsage) error {
	f.applied = append(f.applied, usage)
	switch model {
	case domain.AccessModelEarlyAccess:
		f.company.AIUsedToday += usage.APICost
	case domain.AccessModelLegacy:
		f.sub.ClaudeUsedThisMonth += usage.APICost
	}
	return nil
}

func (f *fakeStore) ApplyUsageBatch(_ context.Context, model domain.AccessModel, companyID, productID int64, usages []*domain.ApiUsage) error {
	var total float64
	for _, u := range usages {
		total += u.APICost
		f.applied = append(f.applied, u)
	}
	f.batches = append(f.batches, batchCall{companyID: companyID, productID: productID, rows: len(usages), total: total})

	switch model {
	case domain.AccessModelEarlyAccess:
		if f.company != nil && f.company.ID == companyID {
			f.company.AIUsedToday += total
		}
	case domain.AccessModelLegacy:
		if f.sub != nil {
			f.sub.ClaudeUsedThisMonth += total
		}
	}
	return nil
}

type fakeCache struct {
	snaps       map[int64]*redisrepo.AccessSnapshot
	invalidated []int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{snaps: make(map[int64]*redisrepo.AccessSnapshot)}
}

func (f *fakeCache) GetAccess(_ context.Context, companyID int64) (*redisrepo.AccessSnapshot, error) {
	return f.snaps[companyID], nil
}

func (f *fakeCache) SetAccess(_ context.Context, snap *redisrepo.AccessSnapshot) error {
	f.snaps[snap.CompanyID] = snap
	return nil
}

func (f *fakeCache) InvalidateAccess(_ context.Context, companyID int64) error {
	delete(f.snaps, companyID)
	f.invalidated = append(f.invalidated, companyID)
	return nil
}

func newTestService(store *fakeStore, cache *fakeCache) *Service {
	svc := NewService(store, cache, "platform-key", nil, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return svc
}

func activeCompany(model domain.AccessModel) *domain.Company {
	reset := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	trial := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	return &domain.Company{
		ID:                 1,
		AccessModel:        model,
		AccessStatus:       domain.AccessStatusActive,
		DailyAIBudget:      10,
		AIUsedToday:        2,
		LastUsageResetDate: &reset,
		TrialStartDate:     &trial,
		TrialDaysTotal:     30,
	}
}

func TestCheck_EarlyAccessWithinBudget(t *testing.T) {
	store := &fakeStore{company: activeCompany(domain.AccessModelEarlyAccess)}
	svc := newTestService(store, newFakeCache())

	decision, err := svc.Check(context.Background(), 1, 1, 1.0)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if decision.Remaining != 8 {
		t.Errorf("Remaining = %v, want 8", decision.Remaining)
	}
	if decision.Unlimited {
		t.Error("early_access decision must not be unlimited")
	}
}

func TestCheck_BudgetExceeded(t *testing.T) {
	store := &fakeStore{company: activeCompany(domain.AccessModelEarlyAccess)}
	svc := newTestService(store, newFakeCache())

	_, err := svc.Check(context.Background(), 1, 1, 9.0)
	var be *domain.BudgetExceeded
	if !errors.As(err, &be) {
		t.Fatalf("want BudgetExceeded, got %v", err)
	}
	if be.Total != 10 || be.Used != 2 {
		t.Errorf("BudgetExceeded = %+v", be)
	}
}

func TestCheck_RemainingZeroDenied(t *testing.T) {
	company := activeCompany(domain.AccessModelEarlyAccess)
	company.AIUsedToday = 10
	store := &fakeStore{company: company}
	svc := newTestService(store, newFakeCache())

	_, err := svc.Check(context.Background(), 1, 1, 0)
	if !domain.IsBudgetExceeded(err) {
		t.Fatalf("remaining=0 must deny even a zero estimate, got %v", err)
	}
}

func TestCheck_TrialExpired(t *testing.T) {
	company := activeCompany(domain.AccessModelEarlyAccess)
	trial := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	company.TrialStartDate = &trial
	company.TrialDaysTotal = 30
	store := &fakeStore{company: company}
	svc := newTestService(store, newFakeCache())

	_, err := svc.Check(context.Background(), 1, 1, 0.01)
	var ad *domain.AccessDenied
	if !errors.As(err, &ad) {
		t.Fatalf("want AccessDenied, got %v", err)
	}
	if ad.Code != domain.ErrCodeTrialExpired {
		t.Errorf("Code = %s, want TRIAL_EXPIRED", ad.Code)
	}
}

func TestCheck_DailyResetApplied(t *testing.T) {
	company := activeCompany(domain.AccessModelEarlyAccess)
	stale := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	company.LastUsageResetDate = &stale
	company.AIUsedToday = 10
	store := &fakeStore{company: company}
	svc := newTestService(store, newFakeCache())

	decision, err := svc.Check(context.Background(), 1, 1, 1.0)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if store.dailyResets != 1 {
		t.Errorf("dailyResets = %d, want 1", store.dailyResets)
	}
	if decision.Remaining != 10 {
		t.Errorf("Remaining after reset = %v, want 10", decision.Remaining)
	}
}

func TestCheck_BYOKUnlimited(t *testing.T) {
	store := &fakeStore{
		company: activeCompany(domain.AccessModelBYOK),
		sub:     &domain.Subscription{CompanyID: 1, ProductID: 1, CustomerAPIKeyEnc: "sealed"},
	}
	svc := newTestService(store, newFakeCache())

	decision, err := svc.Check(context.Background(), 1, 1, 10000)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !decision.Unlimited {
		t.Error("BYOK decision must be unlimited")
	}
}

func TestCheck_BYOKWithoutKey(t *testing.T) {
	store := &fakeStore{
		company: activeCompany(domain.AccessModelBYOK),
		sub:     &domain.Subscription{CompanyID: 1, ProductID: 1},
	}
	svc := newTestService(store, newFakeCache())

	_, err := svc.Check(context.Background(), 1, 1, 0.01)
	var ad *domain.AccessDenied
	if !errors.As(err, &ad) || ad.Code != domain.ErrCodeNoAPIKey {
		t.Fatalf("want NO_API_KEY denial, got %v", err)
	}
}

func TestCheck_AccessPending(t *testing.T) {
	company := activeCompany(domain.AccessModelLegacy)
	company.AccessStatus = domain.AccessStatusPending
	store := &fakeStore{company: company}
	svc := newTestService(store, newFakeCache())

	_, err := svc.Check(context.Background(), 1, 1, 0.01)
	var ad *domain.AccessDenied
	if !errors.As(err, &ad) || ad.Code != domain.ErrCodeAccessPending {
		t.Fatalf("want ACCESS_PENDING denial, got %v", err)
	}
}

func TestCheck_LegacyMonthlyReset(t *testing.T) {
	store := &fakeStore{
		company: activeCompany(domain.AccessModelLegacy),
		sub: &domain.Subscription{
			CompanyID:           1,
			ProductID:           1,
			MonthlyClaudeBudget: 100,
			ClaudeUsedThisMonth: 100,
			BudgetResetDate:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	svc := newTestService(store, newFakeCache())

	decision, err := svc.Check(context.Background(), 1, 1, 1.0)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if store.monthlyResets != 1 {
		t.Errorf("monthlyResets = %d, want 1", store.monthlyResets)
	}
	if decision.Remaining != 100 {
		t.Errorf("Remaining = %v, want 100", decision.Remaining)
	}
}

func TestCheck_UsesCachedSnapshot(t *testing.T) {
	store := &fakeStore{company: activeCompany(domain.AccessModelEarlyAccess)}
	cache := newFakeCache()
	svc := newTestService(store, cache)

	if _, err := svc.Check(context.Background(), 1, 1, 1.0); err != nil {
		t.Fatalf("first Check: %v", err)
	}

	// Break the store; the cached snapshot must carry the second check
	store.company = nil
	if _, err := svc.Check(context.Background(), 1, 1, 1.0); err != nil {
		t.Fatalf("cached Check: %v", err)
	}
}

func TestRecordUsage_InvalidatesCache(t *testing.T) {
	store := &fakeStore{company: activeCompany(domain.AccessModelEarlyAccess)}
	cache := newFakeCache()
	svc := newTestService(store, cache)

	if _, err := svc.Check(context.Background(), 1, 1, 1.0); err != nil {
		t.Fatalf("Check: %v", err)
	}

	usage := &domain.ApiUsage{
		CompanyID:    1,
		ProductID:    1,
		UserID:       5,
		InputTokens:  100_000,
		OutputTokens: 20_000,
		APICost:      domain.CallCost(100_000, 20_000, domain.TextPriceInPerMTok, domain.TextPriceOutPerMTok),
	}
	if err := svc.RecordUsage(context.Background(), domain.AccessModelEarlyAccess, usage); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	if usage.TokensUsed != 120_000 {
		t.Errorf("TokensUsed = %d, want 120000", usage.TokensUsed)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != 1 {
		t.Errorf("invalidated = %v, want [1]", cache.invalidated)
	}
	if _, ok := cache.snaps[1]; ok {
		t.Error("snapshot still cached after usage was recorded")
	}
}

func TestRecordBatch_GroupsByCompanyAndProduct(t *testing.T) {
	store := &fakeStore{
		company: activeCompany(domain.AccessModelEarlyAccess),
		sub:     &domain.Subscription{CompanyID: 1, ProductID: 1, MonthlyClaudeBudget: 100},
	}
	cache := newFakeCache()
	svc := newTestService(store, cache)

	entries := []BatchEntry{
		{Model: domain.AccessModelEarlyAccess, Usage: &domain.ApiUsage{CompanyID: 2, ProductID: 1, APICost: 0.1}},
		{Model: domain.AccessModelEarlyAccess, Usage: &domain.ApiUsage{CompanyID: 1, ProductID: 2, APICost: 0.2}},
		{Model: domain.AccessModelEarlyAccess, Usage: &domain.ApiUsage{CompanyID: 1, ProductID: 1, APICost: 0.1}},
		{Model: domain.AccessModelEarlyAccess, Usage: &domain.ApiUsage{CompanyID: 1, ProductID: 1, APICost: 0.3}},
	}
	if err := svc.RecordBatch(context.Background(), entries); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	// One store call per (company, product) group, in ascending key order,
	// with the group's rows and summed cost
	want := []batchCall{
		{companyID: 1, productID: 1, rows: 2, total: 0.4},
		{companyID: 1, productID: 2, rows: 1, total: 0.2},
		{companyID: 2, productID: 1, rows: 1, total: 0.1},
	}
	if len(store.batches) != len(want) {
		t.Fatalf("batches = %d, want %d", len(store.batches), len(want))
	}
	for i, got := range store.batches {
		w := want[i]
		if got.companyID != w.companyID || got.productID != w.productID || got.rows != w.rows {
			t.Errorf("batches[%d] = %+v, want %+v", i, got, w)
		}
		if diff := got.total - w.total; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("batches[%d].total = %v, want %v", i, got.total, w.total)
		}
	}

	// Each touched company invalidated once
	if len(cache.invalidated) != 2 {
		t.Errorf("invalidated = %v, want two companies", cache.invalidated)
	}
}

func TestRecordBatch_StampsDerivedFields(t *testing.T) {
	store := &fakeStore{company: activeCompany(domain.AccessModelEarlyAccess)}
	svc := newTestService(store, newFakeCache())

	usage := &domain.ApiUsage{CompanyID: 1, ProductID: 1, InputTokens: 1000, OutputTokens: 200, APICost: 0.006}
	err := svc.RecordBatch(context.Background(), []BatchEntry{
		{Model: domain.AccessModelEarlyAccess, Usage: usage},
	})
	if err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	if usage.TokensUsed != 1200 {
		t.Errorf("TokensUsed = %d, want 1200", usage.TokensUsed)
	}
	if usage.Timestamp.IsZero() {
		t.Error("Timestamp not stamped")
	}
}

func TestCallCostRounding(t *testing.T) {
	cost := domain.CallCost(123_456, 7_890, domain.TextPriceInPerMTok, domain.TextPriceOutPerMTok)
	// 0.370368 + 0.11835 = 0.488718
	if cost != 0.488718 {
		t.Errorf("CallCost = %v, want 0.488718", cost)
	}
}
