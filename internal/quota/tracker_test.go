package quota

import (
	"testing"
	"time"

	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/keystore"
)

func TestTracker_ChecksDimensionsInOrder(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	tr := New(config.QuotaConfig{})

	r := &keystore.Record{
		Quota: &keystore.QuotaOverride{DailyCalls: 5, MonthlyCalls: 100, DailyCredits: 1000, MonthlyCredits: 10000},
	}
	RolloverIfNeeded(r, now)
	r.QuotaDailyCalls = 5 // at the limit

	res := tr.Check(r, 10, now)
	if res.Allowed || res.Reason != DimensionDailyCalls {
		t.Fatalf("res = %+v, want denied on dailyCalls", res)
	}
}

func TestTracker_CreditDimensionUsesProspectiveSum(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	tr := New(config.QuotaConfig{})

	r := &keystore.Record{
		Quota: &keystore.QuotaOverride{DailyCredits: 100},
	}
	RolloverIfNeeded(r, now)
	r.QuotaDailyCredits = 95

	res := tr.Check(r, 10, now)
	if res.Allowed || res.Reason != DimensionDailyCredits {
		t.Fatalf("res = %+v, want denied on dailyCredits (95+10 > 100)", res)
	}

	res = tr.Check(r, 5, now)
	if !res.Allowed {
		t.Fatalf("res = %+v, want allowed (95+5 = 100, not > 100)", res)
	}
}

func TestTracker_ZeroLimitMeansUnlimited(t *testing.T) {
	now := time.Now().UTC()
	tr := New(config.QuotaConfig{})
	r := &keystore.Record{}

	res := tr.Check(r, 1_000_000, now)
	if !res.Allowed {
		t.Fatalf("res = %+v, want allowed under zero (unlimited) quota", res)
	}
}

func TestTracker_GlobalFallbackWhenNoOverride(t *testing.T) {
	now := time.Now().UTC()
	tr := New(config.QuotaConfig{DefaultDailyLimit: 3})
	r := &keystore.Record{}
	RolloverIfNeeded(r, now)
	r.QuotaDailyCalls = 3

	res := tr.Check(r, 1, now)
	if res.Allowed || res.Reason != DimensionDailyCalls {
		t.Fatalf("res = %+v, want denied via global fallback", res)
	}
}

func TestRolloverIfNeeded_CrossesDayBoundary(t *testing.T) {
	r := &keystore.Record{
		QuotaDailyCalls:    10,
		QuotaDailyCredits:  500,
		QuotaDailyResetDay: "2026-07-28",
	}
	now := time.Date(2026, 7, 29, 0, 0, 1, 0, time.UTC)
	RolloverIfNeeded(r, now)

	if r.QuotaDailyCalls != 0 || r.QuotaDailyCredits != 0 {
		t.Errorf("expected daily counters zeroed, got calls=%d credits=%d", r.QuotaDailyCalls, r.QuotaDailyCredits)
	}
	if r.QuotaDailyResetDay != "2026-07-29" {
		t.Errorf("QuotaDailyResetDay = %s, want 2026-07-29", r.QuotaDailyResetDay)
	}
}

func TestRolloverIfNeeded_CrossesMonthBoundary(t *testing.T) {
	r := &keystore.Record{
		QuotaMonthlyCalls:    100,
		QuotaMonthlyCredits:  5000,
		QuotaMonthlyResetDay: "2026-06",
	}
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	RolloverIfNeeded(r, now)

	if r.QuotaMonthlyCalls != 0 || r.QuotaMonthlyCredits != 0 {
		t.Errorf("expected monthly counters zeroed, got calls=%d credits=%d", r.QuotaMonthlyCalls, r.QuotaMonthlyCredits)
	}
	if r.QuotaMonthlyResetDay != "2026-07" {
		t.Errorf("QuotaMonthlyResetDay = %s, want 2026-07", r.QuotaMonthlyResetDay)
	}
}

func TestRecordAndUnrecord(t *testing.T) {
	now := time.Now().UTC()
	r := &keystore.Record{}
	Record(r, 10, now)
	Record(r, 5, now)

	if r.QuotaDailyCalls != 2 || r.QuotaDailyCredits != 15 {
		t.Fatalf("after Record twice: calls=%d credits=%d", r.QuotaDailyCalls, r.QuotaDailyCredits)
	}

	Unrecord(r, 5)
	if r.QuotaDailyCalls != 1 || r.QuotaDailyCredits != 10 {
		t.Fatalf("after Unrecord: calls=%d credits=%d", r.QuotaDailyCalls, r.QuotaDailyCredits)
	}
}

func TestUnrecord_FloorsAtZero(t *testing.T) {
	r := &keystore.Record{QuotaDailyCalls: 0, QuotaDailyCredits: 3}
	Unrecord(r, 10)

	if r.QuotaDailyCalls != 0 {
		t.Errorf("QuotaDailyCalls = %d, want floored at 0", r.QuotaDailyCalls)
	}
	if r.QuotaDailyCredits != 0 {
		t.Errorf("QuotaDailyCredits = %d, want floored at 0", r.QuotaDailyCredits)
	}
}
