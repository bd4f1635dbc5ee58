package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func newFact(target, name, value string, updated time.Time, ttl time.Duration) *Fact {
	f := &Fact{
		ID:        target + "/" + name,
		TargetID:  target,
		Name:      name,
		Value:     value,
		TTL:       ttl,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	if ttl != 0 {
		expires := updated.Add(ttl)
		f.ExpiresAt = &expires
	}
	return f
}

func TestNewSQLiteStore(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected MaxOpenConns 1 for in-memory store, got %d", store.cfg.MaxOpenConns)
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "platformconf.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migrate #%d failed: %v", i+1, err)
		}
	}
	for _, table := range []string{"facts", "audit"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s is not accessible: %v", table, err)
		}
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("failed to close store: %v", err)
	}
}

func TestFactCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	facts := []*Fact{
		newFact("controller-0", "is_bootstrap_completed", `true`, now, 0),
		newFact("controller-0", "configured_ceph_osds", `["osd.0","osd.1"]`, now, time.Hour),
		newFact("controller-0", "is_dnsmasq_running", `false`, now.Add(-2*time.Hour), time.Hour),
		newFact("controller-1", "is_bootstrap_completed", `false`, now.Add(-time.Minute), 0),
	}
	for _, f := range facts {
		if err := store.UpsertFact(ctx, f); err != nil {
			t.Fatalf("UpsertFact(%s) error = %v", f.ID, err)
		}
	}

	got, err := store.GetFact(ctx, "controller-0", "configured_ceph_osds")
	if err != nil {
		t.Fatalf("GetFact() error = %v", err)
	}
	if got.Value != facts[1].Value || got.TTL != time.Hour || got.ExpiresAt == nil {
		t.Errorf("unexpected fact %+v", got)
	}

	if _, err := store.GetFact(ctx, "controller-0", "is_dnsmasq_running"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired fact, got %v", err)
	}
	if _, err := store.GetFact(ctx, "controller-9", "is_bootstrap_completed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown target, got %v", err)
	}

	tests := []struct {
		name   string
		filter FactFilter
		want   []string
	}{
		{"all", FactFilter{}, []string{"controller-0/configured_ceph_osds", "controller-0/is_bootstrap_completed", "controller-1/is_bootstrap_completed"}},
		{"target", FactFilter{TargetID: "controller-1"}, []string{"controller-1/is_bootstrap_completed"}},
		{"name", FactFilter{Name: "is_bootstrap_completed"}, []string{"controller-0/is_bootstrap_completed", "controller-1/is_bootstrap_completed"}},
		{"expired", FactFilter{Name: "is_dnsmasq_running"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.ListFacts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListFacts() error = %v", err)
			}
			if len(list) != len(tt.want) {
				t.Fatalf("expected %d facts, got %d", len(tt.want), len(list))
			}
			for i, f := range list {
				if f.ID != tt.want[i] {
					t.Errorf("expected fact %d to be %s, got %s", i, tt.want[i], f.ID)
				}
			}
		})
	}

	// A new value for the same target and name keeps the original row.
	updated := newFact("controller-0", "is_bootstrap_completed", `false`, now.Add(time.Minute), 0)
	updated.ID = "ignored"
	if err := store.UpsertFact(ctx, updated); err != nil {
		t.Fatalf("UpsertFact() error = %v", err)
	}
	got, err = store.GetFact(ctx, "controller-0", "is_bootstrap_completed")
	if err != nil {
		t.Fatalf("GetFact() error = %v", err)
	}
	if got.ID != "controller-0/is_bootstrap_completed" || got.Value != `false` {
		t.Errorf("expected original ID with new value, got %s=%s", got.ID, got.Value)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expected updated_at %v, got %v", now.Add(time.Minute), got.UpdatedAt)
	}
}

func TestFactTargets(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, f := range []*Fact{
		newFact("controller-0", "a", `1`, now.Add(-time.Minute), 0),
		newFact("controller-0", "b", `2`, now, 0),
		newFact("compute-0", "a", `3`, now.Add(-time.Hour), 0),
		newFact("stale-0", "a", `4`, now.Add(-3*time.Hour), time.Hour),
	} {
		if err := store.UpsertFact(ctx, f); err != nil {
			t.Fatalf("UpsertFact() error = %v", err)
		}
	}

	stats, err := store.ListFactTargets(ctx)
	if err != nil {
		t.Fatalf("ListFactTargets() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(stats))
	}
	if stats[0].TargetID != "compute-0" || stats[0].Facts != 1 {
		t.Errorf("unexpected first target %+v", stats[0])
	}
	if stats[1].TargetID != "controller-0" || stats[1].Facts != 2 || !stats[1].LastUpdated.Equal(now) {
		t.Errorf("unexpected second target %+v", stats[1])
	}

	n, err := store.DeleteExpiredFacts(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 expired fact deleted, got %d (%v)", n, err)
	}

	n, err = store.DeleteTargetFacts(ctx, "controller-0")
	if err != nil || n != 2 {
		t.Errorf("expected 2 facts deleted, got %d (%v)", n, err)
	}
	n, err = store.DeleteTargetFacts(ctx, "controller-0")
	if err != nil || n != 0 {
		t.Errorf("expected nothing left to delete, got %d (%v)", n, err)
	}

	left, err := store.ListFacts(ctx, FactFilter{})
	if err != nil || len(left) != 1 || left[0].TargetID != "compute-0" {
		t.Errorf("expected only compute-0 facts left, got %v (%v)", left, err)
	}
}

func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	details := `{"before":"[old secret redacted]","after":"[new secret redacted]"}`
	entries := []*AuditEntry{
		{Action: "setting.create", Actor: "admin", Target: "dcagent_config:DEFAULT/auth_strategy", Timestamp: now.Add(-3 * time.Minute)},
		{Action: "setting.update", Actor: "admin", Target: "dcagent_config:DEFAULT/auth_strategy", Details: details, Timestamp: now.Add(-2 * time.Minute)},
		{Action: "setting.delete", Actor: "system", Target: "usm_config:runtime/debug", Timestamp: now.Add(-time.Minute)},
		{Action: "setting.update", Actor: "system", Target: "dcagentXconfig:DEFAULT/x", Timestamp: now},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("CreateAuditEntry() error = %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected audit entry ID to be assigned")
		}
	}

	tests := []struct {
		name          string
		filter        AuditFilter
		limit, offset int
		want          []int64
	}{
		{"all newest first", AuditFilter{}, 0, 0, []int64{4, 3, 2, 1}},
		{"action", AuditFilter{Action: "setting.update"}, 10, 0, []int64{4, 2}},
		{"actor", AuditFilter{Actor: "admin"}, 10, 0, []int64{2, 1}},
		{"target prefix", AuditFilter{TargetPrefix: "dcagent_config:"}, 10, 0, []int64{2, 1}},
		{"prefix and action", AuditFilter{TargetPrefix: "dcagent_config:", Action: "setting.create"}, 10, 0, []int64{1}},
		{"paged", AuditFilter{}, 1, 1, []int64{3}},
		{"prefix limit after filter", AuditFilter{TargetPrefix: "usm_config:"}, 1, 0, []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListAuditEntries(ctx, tt.filter, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListAuditEntries() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("expected entry %d to have ID %d, got %d", i, tt.want[i], e.ID)
				}
			}
		})
	}

	got, err := store.ListAuditEntries(ctx, AuditFilter{Action: "setting.update", Actor: "admin"}, 1, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one entry, got %v (%v)", got, err)
	}
	if got[0].Details != details {
		t.Errorf("expected details %s, got %s", details, got[0].Details)
	}
}

func TestAuditEntryWithoutTarget(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateAuditEntry(ctx, &AuditEntry{Action: "facts.purge", Actor: "system", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateAuditEntry() error = %v", err)
	}

	var null bool
	if err := store.db.QueryRowContext(ctx, "SELECT target IS NULL AND details IS NULL FROM audit").Scan(&null); err != nil {
		t.Fatal(err)
	}
	if !null {
		t.Error("expected empty target and details to be stored as NULL")
	}

	got, err := store.ListAuditEntries(ctx, AuditFilter{TargetPrefix: "usm_config:"}, 0, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("expected untargeted entry to miss prefix filter, got %v (%v)", got, err)
	}
}
