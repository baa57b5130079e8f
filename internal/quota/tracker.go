// Package quota implements per-record daily/monthly usage ceilings with
// rollover at UTC day/month boundaries (spec §4.3 QuotaTracker).
package quota

import (
	"fmt"
	"time"

	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/keystore"
)

// Dimension names returned as the denial reason (spec §4.7 step 10: "deny
// -32002 with the dimension name").
const (
	DimensionDailyCalls     = "dailyCalls"
	DimensionMonthlyCalls   = "monthlyCalls"
	DimensionDailyCredits   = "dailyCredits"
	DimensionMonthlyCredits = "monthlyCredits"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed bool
	Reason  string // one of the Dimension* constants, set iff !Allowed
}

// Limits is the effective limit set for a record (after resolving
// record.quota ?? globalQuota ?? none, spec §4.3 closing line).
type Limits struct {
	DailyCalls     int64
	MonthlyCalls   int64
	DailyCredits   int64
	MonthlyCredits int64
}

// Tracker evaluates and records quota usage against a keystore.Store. It
// holds no state of its own — the counters live on the Record, exactly
// like the teacher's FileStore keeps all durable state on the record it
// owns (grounded on internal/storage/file_store.go's dirty-then-flush
// idiom, generalized here to rollover-then-record instead of flush-to-disk).
type Tracker struct {
	global config.QuotaConfig
}

// New constructs a Tracker using cfg as the fallback global quota.
func New(cfg config.QuotaConfig) *Tracker {
	return &Tracker{global: cfg}
}

// EffectiveLimits resolves record.quota ?? globalQuota ?? none.
func (t *Tracker) EffectiveLimits(r *keystore.Record) Limits {
	if r.Quota != nil {
		return Limits{
			DailyCalls:     r.Quota.DailyCalls,
			MonthlyCalls:   r.Quota.MonthlyCalls,
			DailyCredits:   r.Quota.DailyCredits,
			MonthlyCredits: r.Quota.MonthlyCredits,
		}
	}
	return Limits{
		DailyCalls:     t.global.DefaultDailyLimit,
		MonthlyCalls:   t.global.DefaultMonthlyLimit,
		DailyCredits:   t.global.DefaultDailyCredits,
		MonthlyCredits: t.global.DefaultMonthlyCredits,
	}
}

// RolloverIfNeeded zeroes daily/monthly counters that have crossed a UTC
// boundary since the record's reset markers were last stamped (spec §4.3
// steps 1-2). Mutates r in place; callers must hold whatever lock protects
// r (the keystore.Store's mutex, via a mutate-style callback).
func RolloverIfNeeded(r *keystore.Record, now time.Time) {
	today := now.UTC().Format("2006-01-02")
	month := now.UTC().Format("2006-01")

	if r.QuotaDailyResetDay != today {
		r.QuotaDailyCalls = 0
		r.QuotaDailyCredits = 0
		r.QuotaDailyResetDay = today
	}
	if r.QuotaMonthlyResetDay != month {
		r.QuotaMonthlyCalls = 0
		r.QuotaMonthlyCredits = 0
		r.QuotaMonthlyResetDay = month
	}
}

// Check evaluates whether creditsRequired may be spent against r right
// now, after applying any pending rollover. It does not mutate counters —
// only the reset markers (spec §4.3 step 5: "On allow, do not mutate").
func (t *Tracker) Check(r *keystore.Record, creditsRequired int64, now time.Time) Result {
	RolloverIfNeeded(r, now)
	limits := t.EffectiveLimits(r)

	if limits.DailyCalls > 0 && r.QuotaDailyCalls >= limits.DailyCalls {
		return Result{Allowed: false, Reason: DimensionDailyCalls}
	}
	if limits.MonthlyCalls > 0 && r.QuotaMonthlyCalls >= limits.MonthlyCalls {
		return Result{Allowed: false, Reason: DimensionMonthlyCalls}
	}
	if limits.DailyCredits > 0 && r.QuotaDailyCredits+creditsRequired > limits.DailyCredits {
		return Result{Allowed: false, Reason: DimensionDailyCredits}
	}
	if limits.MonthlyCredits > 0 && r.QuotaMonthlyCredits+creditsRequired > limits.MonthlyCredits {
		return Result{Allowed: false, Reason: DimensionMonthlyCredits}
	}
	return Result{Allowed: true}
}

// Record increments all four counters after a successful, charged call
// (spec §4.3 step 5: "the Gate calls record(creditsCharged) post-success").
func Record(r *keystore.Record, creditsCharged int64, now time.Time) {
	RolloverIfNeeded(r, now)
	r.QuotaDailyCalls++
	r.QuotaMonthlyCalls++
	r.QuotaDailyCredits += creditsCharged
	r.QuotaMonthlyCredits += creditsCharged
}

// Unrecord reverses Record for a refund, flooring at zero (spec §4.3 step 6).
func Unrecord(r *keystore.Record, creditsRefunded int64) {
	r.QuotaDailyCalls = floorAtZero(r.QuotaDailyCalls - 1)
	r.QuotaMonthlyCalls = floorAtZero(r.QuotaMonthlyCalls - 1)
	r.QuotaDailyCredits = floorAtZero(r.QuotaDailyCredits - creditsRefunded)
	r.QuotaMonthlyCredits = floorAtZero(r.QuotaMonthlyCredits - creditsRefunded)
}

func floorAtZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// DenyMessage formats a human-readable message for a denied Result.
func (res Result) DenyMessage() string {
	if res.Allowed {
		return ""
	}
	return fmt.Sprintf("quota exceeded: %s", res.Reason)
}
