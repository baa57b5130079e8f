// Package keystore owns the live ApiKeyRecord map: the single source of
// truth for caller identity, policy, and credit balance (spec §3.1, §4.1).
// Every credit deduction in the local (non-Redis-backed) path goes through
// TryDeduct so that concurrent deducts for the same key serialize correctly.
package keystore

import (
	"errors"
	"time"
)

// Record is one caller's identity, policy, and counters.
type Record struct {
	Key    string `json:"key"`
	Alias  string `json:"alias,omitempty"`
	Name   string `json:"name,omitempty"`

	Namespace string   `json:"namespace,omitempty"`
	Group     string   `json:"group,omitempty"`
	Tags      []string `json:"tags,omitempty"`

	Credits       int64 `json:"credits"`
	TotalSpent    int64 `json:"totalSpent"`
	TotalCalls    int64 `json:"totalCalls"`
	SpendingLimit int64 `json:"spendingLimit"`

	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`
	IPAllowlist  []string `json:"ipAllowlist,omitempty"`

	Quota *QuotaOverride `json:"quota,omitempty"`

	QuotaDailyCalls      int64  `json:"quotaDailyCalls"`
	QuotaMonthlyCalls    int64  `json:"quotaMonthlyCalls"`
	QuotaDailyCredits    int64  `json:"quotaDailyCredits"`
	QuotaMonthlyCredits  int64  `json:"quotaMonthlyCredits"`
	QuotaDailyResetDay   string `json:"quotaDailyResetDay,omitempty"`   // YYYY-MM-DD
	QuotaMonthlyResetDay string `json:"quotaMonthlyResetDay,omitempty"` // YYYY-MM

	AutoTopup *AutoTopup `json:"autoTopup,omitempty"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Suspended bool       `json:"suspended"`
	Active    bool       `json:"active"`

	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	Notes      []string  `json:"notes,omitempty"`

	Ledger []LedgerEntry `json:"ledger,omitempty"`
}

// QuotaOverride mirrors config.QuotaConfig's shape for a per-record override
// (spec §4.3: "effective quota is record.quota ?? globalQuota ?? none").
type QuotaOverride struct {
	DailyCalls     int64 `json:"dailyCalls"`
	MonthlyCalls   int64 `json:"monthlyCalls"`
	DailyCredits   int64 `json:"dailyCredits"`
	MonthlyCredits int64 `json:"monthlyCredits"`
}

// AutoTopup configures automatic credit replenishment (spec §4.1 last line).
type AutoTopup struct {
	Enabled       bool   `json:"enabled"`
	Threshold     int64  `json:"threshold"`
	Amount        int64  `json:"amount"`
	MaxDaily      int64  `json:"maxDaily"`
	PerDayCharged int64  `json:"perDayCharged"`
	LastChargeDay string `json:"lastChargeDay,omitempty"` // YYYY-MM-DD
}

// LedgerEntryType enumerates CreditLedger entry kinds (spec §3.8).
type LedgerEntryType string

const (
	LedgerInitial      LedgerEntryType = "initial"
	LedgerTopup        LedgerEntryType = "topup"
	LedgerAutoTopup    LedgerEntryType = "auto_topup"
	LedgerCharge       LedgerEntryType = "charge"
	LedgerRefund       LedgerEntryType = "refund"
	LedgerTransferIn   LedgerEntryType = "transfer_in"
	LedgerTransferOut  LedgerEntryType = "transfer_out"
)

// LedgerEntry records one credit mutation for audit/replay.
type LedgerEntry struct {
	Timestamp      time.Time       `json:"timestamp"`
	Type           LedgerEntryType `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceBefore  int64           `json:"balanceBefore"`
	BalanceAfter   int64           `json:"balanceAfter"`
	Memo           string          `json:"memo,omitempty"`
}

// MaxLedgerEntries, MaxNotes, MaxTags cap unbounded per-key growth (spec
// §3.1: "Notes cap 50/key; tags cap 50/key").
const (
	MaxLedgerEntries = 200
	MaxNotes         = 50
	MaxTags          = 50
)

// IsUsable reports whether the record may be used to authorize a call
// (spec §3.1 invariant: "active && !suspended && (!expiresAt || now < expiresAt)").
func (r *Record) IsUsable(now time.Time) bool {
	if !r.Active || r.Suspended {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// IsExpired reports whether the record's expiry has passed, independent of
// suspension/active state (spec §4.7 step 3 distinguishes expiry from
// suspension so the Gate can return a more specific deny reason).
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

var (
	// ErrNotFound is returned when a key or alias has no matching record.
	ErrNotFound = errors.New("keystore: record not found")
	// ErrAliasTaken is returned when setAlias collides with an existing record.
	ErrAliasTaken = errors.New("keystore: alias already in use")
	// ErrKeyExists is returned when Create is called with a duplicate key.
	ErrKeyExists = errors.New("keystore: key already exists")
	// ErrInvalidKey rejects keys that fail the minimum shape requirement.
	ErrInvalidKey = errors.New("keystore: key must be at least 20 printable characters")
)
