package keystore

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingMirror collects every key mirrored to it, for asserting that
// store mutations fire the Mirror hook without depending on a real Redis.
type recordingMirror struct {
	mu   sync.Mutex
	keys []string
}

func (m *recordingMirror) MirrorRecord(ctx context.Context, key string, record interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, key string, credits int64) *Record {
	t.Helper()
	r := &Record{Key: key, Credits: credits, Active: true}
	if err := s.Create(r); err != nil {
		t.Fatalf("Create(%s): %v", key, err)
	}
	return r
}

func TestStore_CreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 100)

	got, err := s.Lookup("pg_testkey000000000000001")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Credits != 100 {
		t.Errorf("Credits = %d, want 100", got.Credits)
	}
}

func TestStore_CreateDuplicateKeyFails(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 100)

	err := s.Create(&Record{Key: "pg_testkey000000000000001", Active: true})
	if err != ErrKeyExists {
		t.Fatalf("err = %v, want ErrKeyExists", err)
	}
}

func TestStore_CreateShortKeyFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(&Record{Key: "tooshort", Active: true}); err != ErrInvalidKey {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestStore_TryDeductSuccess(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 100)

	if !s.TryDeduct("pg_testkey000000000000001", 30) {
		t.Fatal("expected deduction to succeed")
	}
	r, _ := s.Lookup("pg_testkey000000000000001")
	if r.Credits != 70 {
		t.Errorf("Credits = %d, want 70", r.Credits)
	}
	if r.TotalSpent != 30 {
		t.Errorf("TotalSpent = %d, want 30", r.TotalSpent)
	}
	if r.TotalCalls != 1 {
		t.Errorf("TotalCalls = %d, want 1", r.TotalCalls)
	}
}

func TestStore_TryDeductInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 10)

	if s.TryDeduct("pg_testkey000000000000001", 30) {
		t.Fatal("expected deduction to fail")
	}
	r, _ := s.Lookup("pg_testkey000000000000001")
	if r.Credits != 10 {
		t.Errorf("Credits = %d, want unchanged 10", r.Credits)
	}
}

func TestStore_TryDeductUnusableRecord(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 100)
	_ = s.Suspend("pg_testkey000000000000001")

	if s.TryDeduct("pg_testkey000000000000001", 10) {
		t.Fatal("expected deduction to fail on suspended key")
	}
}

func TestStore_TryDeductUnknownKey(t *testing.T) {
	s := newTestStore(t)
	if s.TryDeduct("pg_doesnotexist00000000000", 10) {
		t.Fatal("expected deduction to fail for unknown key")
	}
}

func TestStore_TryDeductConcurrentSerializes(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 1000)

	const workers = 50
	done := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			done <- s.TryDeduct("pg_testkey000000000000001", 10)
		}()
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		if <-done {
			succeeded++
		}
	}

	r, _ := s.Lookup("pg_testkey000000000000001")
	if int64(succeeded)*10 != r.TotalSpent {
		t.Errorf("TotalSpent = %d, want %d", r.TotalSpent, succeeded*10)
	}
	if r.Credits != 1000-r.TotalSpent {
		t.Errorf("Credits = %d inconsistent with TotalSpent %d", r.Credits, r.TotalSpent)
	}
}

func TestStore_Refund(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 100)
	s.TryDeduct("pg_testkey000000000000001", 30)

	if err := s.Refund("pg_testkey000000000000001", 30, "call failed"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	r, _ := s.Lookup("pg_testkey000000000000001")
	if r.Credits != 100 {
		t.Errorf("Credits = %d, want 100", r.Credits)
	}
	if r.TotalSpent != 0 {
		t.Errorf("TotalSpent = %d, want 0", r.TotalSpent)
	}
}

func TestStore_SetAliasUniqueness(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 0)
	mustCreate(t, s, "pg_testkey000000000000002", 0)

	if err := s.SetAlias("pg_testkey000000000000001", "alice"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}
	if err := s.SetAlias("pg_testkey000000000000002", "alice"); err != ErrAliasTaken {
		t.Fatalf("err = %v, want ErrAliasTaken", err)
	}

	got, err := s.LookupByAlias("alice")
	if err != nil {
		t.Fatalf("LookupByAlias: %v", err)
	}
	if got.Key != "pg_testkey000000000000001" {
		t.Errorf("Key = %s, want pg_testkey000000000000001", got.Key)
	}
}

func TestStore_Rotate(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_oldkey00000000000000001", 500)
	s.TryDeduct("pg_oldkey00000000000000001", 100)

	newRec, err := s.Rotate("pg_oldkey00000000000000001", "pg_newkey00000000000000001")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newRec.Credits != 400 {
		t.Errorf("new record Credits = %d, want 400 (preserved)", newRec.Credits)
	}

	old, _ := s.Lookup("pg_oldkey00000000000000001")
	if old.Active {
		t.Error("old key should be revoked after rotation")
	}
}

func TestStore_RevokeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000001", 100)

	first, err := s.Revoke("pg_testkey000000000000001")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !first {
		t.Error("first Revoke should report true (transitioned active -> revoked)")
	}

	second, err := s.Revoke("pg_testkey000000000000001")
	if err != nil {
		t.Fatalf("Revoke (repeat): %v", err)
	}
	if second {
		t.Error("repeated Revoke should report false")
	}

	r, lookupErr := s.Lookup("pg_testkey000000000000001")
	if lookupErr != nil || r.Active {
		t.Error("record should remain revoked, not corrupted, after the second Revoke")
	}
}

func TestStore_RevokeUnknownKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Revoke("pg_doesnotexist00000000000"); err != ErrNotFound {
		t.Errorf("Revoke(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestStore_AutoTopupEligibility(t *testing.T) {
	s := newTestStore(t)
	r := &Record{
		Key:     "pg_testkey000000000000001",
		Credits: 5,
		Active:  true,
		AutoTopup: &AutoTopup{
			Enabled:   true,
			Threshold: 10,
			Amount:    50,
			MaxDaily:  100,
		},
	}
	if err := s.Create(r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	amount, eligible := s.CheckAutoTopup("pg_testkey000000000000001")
	if !eligible || amount != 50 {
		t.Fatalf("eligible=%v amount=%d, want true/50", eligible, amount)
	}

	if err := s.ApplyAutoTopup("pg_testkey000000000000001", amount); err != nil {
		t.Fatalf("ApplyAutoTopup: %v", err)
	}
	got, _ := s.Lookup("pg_testkey000000000000001")
	if got.Credits != 55 {
		t.Errorf("Credits = %d, want 55", got.Credits)
	}

	// Above threshold now — no longer eligible.
	_, eligible = s.CheckAutoTopup("pg_testkey000000000000001")
	if eligible {
		t.Error("expected ineligible once above threshold")
	}
}

func TestStore_AutoTopupDailyCapEnforced(t *testing.T) {
	s := newTestStore(t)
	r := &Record{
		Key:     "pg_testkey000000000000001",
		Credits: 1,
		Active:  true,
		AutoTopup: &AutoTopup{
			Enabled:   true,
			Threshold: 1000,
			Amount:    80,
			MaxDaily:  100,
		},
	}
	if err := s.Create(r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	amount, eligible := s.CheckAutoTopup("pg_testkey000000000000001")
	if !eligible {
		t.Fatal("expected first topup eligible")
	}
	if err := s.ApplyAutoTopup("pg_testkey000000000000001", amount); err != nil {
		t.Fatalf("ApplyAutoTopup: %v", err)
	}

	// Second topup same day would exceed MaxDaily (80+80 > 100).
	_, eligible = s.CheckAutoTopup("pg_testkey000000000000001")
	if eligible {
		t.Error("expected daily cap to block second topup")
	}
}

func TestStore_FilteredListPaginationAndSort(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "pg_testkey000000000000003", 30)
	mustCreate(t, s, "pg_testkey000000000000001", 10)
	mustCreate(t, s, "pg_testkey000000000000002", 20)

	page := s.FilteredList(ListFilter{SortBy: "credits", Limit: 2})
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].Credits != 10 || page[1].Credits != 20 {
		t.Errorf("unexpected sort order: %d, %d", page[0].Credits, page[1].Credits)
	}
}

func TestStore_FilteredListByNamespace(t *testing.T) {
	s := newTestStore(t)
	s.Create(&Record{Key: "pg_testkey000000000000001", Namespace: "team-a", Active: true})
	s.Create(&Record{Key: "pg_testkey000000000000002", Namespace: "team-b", Active: true})

	page := s.FilteredList(ListFilter{Namespace: "team-a"})
	if len(page) != 1 || page[0].Key != "pg_testkey000000000000001" {
		t.Fatalf("unexpected namespace filter result: %+v", page)
	}
}

func TestStore_SnapshotPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	snap, err := NewFileSnapshotter(dir + "/keys.json")
	if err != nil {
		t.Fatalf("NewFileSnapshotter: %v", err)
	}

	s, err := New(10*time.Millisecond, WithSnapshot(snap))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustCreate(t, s, "pg_testkey000000000000001", 100)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := New(10*time.Millisecond, WithSnapshot(snap))
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	defer reloaded.Close()

	got, err := reloaded.Lookup("pg_testkey000000000000001")
	if err != nil {
		t.Fatalf("Lookup after reload: %v", err)
	}
	if got.Credits != 100 {
		t.Errorf("Credits after reload = %d, want 100", got.Credits)
	}
}

func TestStore_MirrorHookFiresOnDirtyingMutations(t *testing.T) {
	mirror := &recordingMirror{}
	s, err := New(50*time.Millisecond, WithMirror(mirror))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mustCreate(t, s, "pg_mirror_test_00000000000000", 50)
	if !s.TryDeduct("pg_mirror_test_00000000000000", 10) {
		t.Fatal("TryDeduct should have succeeded")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mirror.count() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := mirror.count(); got < 2 {
		t.Errorf("mirror observed %d mutations, want at least 2 (create + deduct)", got)
	}
}

func TestRecord_IsUsable(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		r    Record
		want bool
	}{
		{"active", Record{Active: true}, true},
		{"inactive", Record{Active: false}, false},
		{"suspended", Record{Active: true, Suspended: true}, false},
		{"expired", Record{Active: true, ExpiresAt: &past}, false},
		{"not yet expired", Record{Active: true, ExpiresAt: &future}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.IsUsable(now); got != tt.want {
				t.Errorf("IsUsable() = %v, want %v", got, tt.want)
			}
		})
	}
}
