package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/platformconf/platformconf/pkg/facts"
	"github.com/platformconf/platformconf/pkg/stores"
	"github.com/platformconf/platformconf/pkg/telemetry"
)

// DefaultFactsTTL is how long a collected fact stays valid.
const DefaultFactsTTL = time.Hour

// FactsCollector resolves host facts and caches them in the store.
type FactsCollector struct {
	store    stores.Store
	registry *facts.Registry
	ttl      time.Duration
}

// FactsCollectionResult contains the result of a facts collection operation.
type FactsCollectionResult struct {
	TargetID    string            `json:"target_id" yaml:"target_id"`
	FactsCount  int               `json:"facts_count" yaml:"facts_count"`
	CachedCount int               `json:"cached_count" yaml:"cached_count"`
	CollectedAt time.Time         `json:"collected_at" yaml:"collected_at"`
	Duration    time.Duration     `json:"duration" yaml:"duration"`
	Facts       map[string]any    `json:"facts" yaml:"facts"`
	Failed      map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// TargetSummary describes the cached facts of one target.
type TargetSummary struct {
	TargetID    string    `json:"target_id" yaml:"target_id"`
	FactsCount  int       `json:"facts_count" yaml:"facts_count"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// NewFactsCollector creates a new facts collector.
func NewFactsCollector(store stores.Store, registry *facts.Registry) *FactsCollector {
	return &FactsCollector{
		store:    store,
		registry: registry,
		ttl:      DefaultFactsTTL,
	}
}

// WithTTL sets the lifetime of stored facts. Zero keeps facts forever.
func (c *FactsCollector) WithTTL(ttl time.Duration) *FactsCollector {
	c.ttl = ttl
	return c
}

// CollectFacts resolves the named facts (all registered facts when names is
// empty) on the target reached through ex and stores them. Unless refresh
// is set, facts still cached for the target are returned without being
// resolved again. A fact that fails to resolve is reported in the result
// and does not stop the others.
func (c *FactsCollector) CollectFacts(ctx context.Context, targetID string, names []string, ex facts.Executor, refresh bool) (*FactsCollectionResult, error) {
	if targetID == "" {
		return nil, NewValidationError("target id is required", nil)
	}

	if len(names) == 0 {
		names = c.registry.Names()
	}
	for _, name := range names {
		if _, ok := c.registry.Get(name); !ok {
			return nil, NewNotFoundError("unknown fact", name)
		}
	}

	op := telemetry.StartOperation(ctx, "facts.collect", telemetry.AttrTargetID.String(targetID))
	ctx = op.Ctx
	tel := telemetry.FromTelemetryContext(ctx)
	logger := op.Logger.NewComponentLogger("facts").WithTarget(targetID)

	logger.WithFields(map[string]interface{}{
		"facts":   names,
		"refresh": refresh,
	}).Info("Collecting facts")

	result := &FactsCollectionResult{
		TargetID: targetID,
		Facts:    make(map[string]any, len(names)),
		Failed:   make(map[string]string),
	}

	for _, name := range names {
		if !refresh {
			if value, ok := c.cached(ctx, targetID, name); ok {
				result.Facts[name] = value
				result.CachedCount++
				continue
			}
		}

		value, err := c.resolve(ctx, tel, targetID, name, ex)
		if err != nil {
			logger.WithError(err).WithField("fact", name).Error("Failed to resolve fact")
			result.Failed[name] = err.Error()
			continue
		}

		result.Facts[name] = value
		result.FactsCount++

		if err := c.storeFact(ctx, targetID, name, value); err != nil {
			logger.WithError(err).WithField("fact", name).Error("Failed to store fact")
		}
	}

	result.CollectedAt = time.Now().UTC()
	result.Duration = op.Timer.Duration()

	if tel != nil {
		tel.Metrics.RecordFactCollection()
		tel.Events.PublishFactsCollected(targetID, result.FactsCount, len(result.Failed))
	}

	logger.WithFields(map[string]interface{}{
		"facts_count":  result.FactsCount,
		"cached_count": result.CachedCount,
		"failed_count": len(result.Failed),
		"duration":     result.Duration.String(),
	}).Info("Facts collection completed")

	var failed error
	if len(result.Failed) > 0 {
		failed = fmt.Errorf("%d of %d facts failed", len(result.Failed), len(names))
	}
	op.End(failed)

	return result, nil
}

func (c *FactsCollector) resolve(ctx context.Context, tel *telemetry.Telemetry, targetID, name string, ex facts.Executor) (any, error) {
	if tel == nil {
		return c.registry.Resolve(ctx, name, ex)
	}

	spanCtx, span := tel.Tracer.StartFactSpan(ctx, targetID, name)
	defer span.End()

	timer := telemetry.NewTimer()
	value, err := c.registry.Resolve(spanCtx, name, ex)

	status := "success"
	if err != nil {
		status = "error"
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.SetAttributes(telemetry.AttrFactStatus.String(status))
	tel.Metrics.RecordFactResolution(name, status, timer.Duration())

	return value, err
}

func (c *FactsCollector) cached(ctx context.Context, targetID, name string) (any, bool) {
	fact, err := c.store.GetFact(ctx, targetID, name)
	if err != nil {
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(fact.Value), &value); err != nil {
		return nil, false
	}
	return value, true
}

// storeFact stores a fact in the database.
func (c *FactsCollector) storeFact(ctx context.Context, targetID, name string, value any) error {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal fact %s: %w", name, err)
	}

	now := time.Now().UTC()
	fact := &stores.Fact{
		ID:        uuid.New().String(),
		TargetID:  targetID,
		Name:      name,
		Value:     string(valueBytes),
		TTL:       c.ttl,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.ttl != 0 {
		expiresAt := now.Add(c.ttl)
		fact.ExpiresAt = &expiresAt
	}

	if err := c.store.UpsertFact(ctx, fact); err != nil {
		return fmt.Errorf("failed to store fact: %w", err)
	}

	return nil
}

// GetFacts retrieves the unexpired cached facts of a target.
func (c *FactsCollector) GetFacts(ctx context.Context, targetID string) (map[string]any, error) {
	stored, err := c.store.ListFacts(ctx, stores.FactFilter{TargetID: targetID})
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}

	result := make(map[string]any, len(stored))
	for _, fact := range stored {
		var value any
		if err := json.Unmarshal([]byte(fact.Value), &value); err != nil {
			log.Warn().Err(err).
				Str("target_id", targetID).
				Str("fact", fact.Name).
				Msg("Skipping fact with invalid value")
			continue
		}

		result[fact.Name] = value
	}

	return result, nil
}

// ListTargets summarizes the cached facts per target.
func (c *FactsCollector) ListTargets(ctx context.Context) ([]TargetSummary, error) {
	stats, err := c.store.ListFactTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list fact targets: %w", err)
	}

	summaries := make([]TargetSummary, len(stats))
	for i, st := range stats {
		summaries[i] = TargetSummary{
			TargetID:    st.TargetID,
			FactsCount:  st.Facts,
			LastUpdated: st.LastUpdated,
		}
	}
	return summaries, nil
}

// PurgeExpired removes facts whose TTL has passed.
func (c *FactsCollector) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpiredFacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired facts: %w", err)
	}
	if n > 0 {
		log.Debug().Int64("count", n).Msg("Purged expired facts")
	}
	return n, nil
}

// ForgetTarget deletes every cached fact of a target.
func (c *FactsCollector) ForgetTarget(ctx context.Context, targetID string) (int, error) {
	n, err := c.store.DeleteTargetFacts(ctx, targetID)
	if err != nil {
		return 0, fmt.Errorf("failed to forget target %s: %w", targetID, err)
	}
	return int(n), nil
}
