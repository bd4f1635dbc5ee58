package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platformconf/platformconf/pkg/facts"
	"github.com/platformconf/platformconf/pkg/stores"
	"github.com/platformconf/platformconf/pkg/telemetry"
)

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// stubExecutor answers Exists from a fixed set of paths and never runs commands.
type stubExecutor struct {
	paths map[string]bool
}

func (s *stubExecutor) Run(context.Context, string) (string, string, int, error) {
	return "", "", 1, nil
}

func (s *stubExecutor) Exists(_ context.Context, path string) (bool, error) {
	return s.paths[path], nil
}

func (s *stubExecutor) ReadDir(context.Context, string) ([]string, error) {
	return nil, nil
}

func (s *stubExecutor) ReadFile(context.Context, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func newTestRegistry(t *testing.T, calls *int) *facts.Registry {
	t.Helper()

	r := facts.NewRegistry()
	r.MustRegister(facts.Fact{
		Name:    "is_bootstrap_completed",
		Resolve: facts.FileExists("/etc/platform/.bootstrap_completed"),
	})
	r.MustRegister(facts.Fact{
		Name: "counted",
		Resolve: func(context.Context, facts.Executor) (any, error) {
			*calls++
			return "value", nil
		},
	})
	r.MustRegister(facts.Fact{
		Name: "broken",
		Resolve: func(context.Context, facts.Executor) (any, error) {
			return nil, errors.New("device unavailable")
		},
	})
	return r
}

func TestCollectFacts(t *testing.T) {
	store := setupTestStore(t)
	calls := 0
	collector := NewFactsCollector(store, newTestRegistry(t, &calls))
	ex := &stubExecutor{paths: map[string]bool{"/etc/platform/.bootstrap_completed": true}}
	ctx := context.Background()

	result, err := collector.CollectFacts(ctx, "controller-0", nil, ex, false)
	if err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}

	if result.FactsCount != 2 {
		t.Errorf("expected 2 resolved facts, got %d", result.FactsCount)
	}
	if result.Facts["is_bootstrap_completed"] != true {
		t.Errorf("expected is_bootstrap_completed=true, got %v", result.Facts["is_bootstrap_completed"])
	}
	if _, ok := result.Failed["broken"]; !ok {
		t.Errorf("expected broken fact to be reported, got %v", result.Failed)
	}
	if _, ok := result.Facts["broken"]; ok {
		t.Error("expected failed fact to be absent from values")
	}

	cached, err := collector.GetFacts(ctx, "controller-0")
	if err != nil {
		t.Fatalf("GetFacts() error = %v", err)
	}
	if len(cached) != 2 || cached["counted"] != "value" {
		t.Errorf("unexpected cached facts %v", cached)
	}
}

func TestCollectFactsUsesCache(t *testing.T) {
	store := setupTestStore(t)
	calls := 0
	collector := NewFactsCollector(store, newTestRegistry(t, &calls))
	ex := &stubExecutor{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := collector.CollectFacts(ctx, "controller-0", []string{"counted"}, ex, false); err != nil {
			t.Fatalf("CollectFacts() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected one resolution with a warm cache, got %d", calls)
	}

	result, err := collector.CollectFacts(ctx, "controller-0", []string{"counted"}, ex, true)
	if err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("expected refresh to resolve again, got %d calls", calls)
	}
	if result.CachedCount != 0 || result.FactsCount != 1 {
		t.Errorf("unexpected counts cached=%d resolved=%d", result.CachedCount, result.FactsCount)
	}
}

func TestCollectFactsUnsetValue(t *testing.T) {
	store := setupTestStore(t)
	r := facts.NewRegistry()
	r.MustRegister(facts.Fact{
		Name: "boot_disk_persistent_name",
		Resolve: func(context.Context, facts.Executor) (any, error) {
			return nil, nil
		},
	})
	collector := NewFactsCollector(store, r)
	ctx := context.Background()

	if _, err := collector.CollectFacts(ctx, LocalTarget, nil, &stubExecutor{}, true); err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}

	cached, err := collector.GetFacts(ctx, LocalTarget)
	if err != nil {
		t.Fatalf("GetFacts() error = %v", err)
	}
	value, ok := cached["boot_disk_persistent_name"]
	if !ok || value != nil {
		t.Errorf("expected stored unset value, got %v (present=%v)", value, ok)
	}
}

func TestCollectFactsValidation(t *testing.T) {
	store := setupTestStore(t)
	calls := 0
	collector := NewFactsCollector(store, newTestRegistry(t, &calls))
	ctx := context.Background()

	_, err := collector.CollectFacts(ctx, "", nil, &stubExecutor{}, false)
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("expected VALIDATION_ERROR for empty target, got %v", err)
	}

	_, err = collector.CollectFacts(ctx, "controller-0", []string{"no_such_fact"}, &stubExecutor{}, false)
	if !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown fact, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no resolution after validation failure, got %d", calls)
	}
}

func TestListAndForgetTargets(t *testing.T) {
	store := setupTestStore(t)
	calls := 0
	collector := NewFactsCollector(store, newTestRegistry(t, &calls)).WithTTL(0)
	ctx := context.Background()

	for _, target := range []string{"controller-1", "controller-0"} {
		if _, err := collector.CollectFacts(ctx, target, []string{"counted", "is_bootstrap_completed"}, &stubExecutor{}, true); err != nil {
			t.Fatalf("CollectFacts() error = %v", err)
		}
	}

	summaries, err := collector.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(summaries) != 2 || summaries[0].TargetID != "controller-0" || summaries[0].FactsCount != 2 {
		t.Errorf("unexpected summaries %+v", summaries)
	}

	removed, err := collector.ForgetTarget(ctx, "controller-0")
	if err != nil {
		t.Fatalf("ForgetTarget() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed facts, got %d", removed)
	}

	remaining, _ := collector.GetFacts(ctx, "controller-0")
	if len(remaining) != 0 {
		t.Errorf("expected no facts after forget, got %v", remaining)
	}

	if n, err := collector.PurgeExpired(ctx); err != nil || n != 0 {
		t.Errorf("PurgeExpired() = %d, %v; want 0, nil", n, err)
	}
}

func TestCollectFactsTelemetry(t *testing.T) {
	store := setupTestStore(t)
	calls := 0
	collector := NewFactsCollector(store, newTestRegistry(t, &calls))

	cfg := telemetry.DefaultConfig()
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	var events []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) { events = append(events, e) },
		telemetry.FilterByType(telemetry.EventTypeFactsCollected))

	ctx := tel.WithContext(context.Background())
	if _, err := collector.CollectFacts(ctx, "controller-0", nil, &stubExecutor{}, true); err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 facts event, got %d", len(events))
	}
	if events[0].Level != telemetry.EventLevelWarning {
		t.Errorf("expected warning level with a failed fact, got %q", events[0].Level)
	}
	if events[0].Data["failed"] != 1 {
		t.Errorf("expected 1 failed fact in event, got %v", events[0].Data["failed"])
	}
}

func TestFactsExpire(t *testing.T) {
	store := setupTestStore(t)
	calls := 0
	collector := NewFactsCollector(store, newTestRegistry(t, &calls)).WithTTL(-time.Hour)
	ctx := context.Background()

	if _, err := collector.CollectFacts(ctx, "controller-0", []string{"counted"}, &stubExecutor{}, true); err != nil {
		t.Fatalf("CollectFacts() error = %v", err)
	}

	cached, err := collector.GetFacts(ctx, "controller-0")
	if err != nil {
		t.Fatalf("GetFacts() error = %v", err)
	}
	if len(cached) != 0 {
		t.Errorf("expected expired facts to be hidden, got %v", cached)
	}

	n, err := collector.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged fact, got %d", n)
	}
}
