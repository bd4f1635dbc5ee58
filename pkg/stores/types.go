package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a fact or row does not exist or has expired.
var ErrNotFound = errors.New("not found")

// Fact is the cached value of one named fact on one target.
type Fact struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	Name     string `json:"name"`

	// Value is the JSON encoding of the resolved value.
	Value string `json:"value"`

	// TTL is how long the value stays valid. Zero never expires.
	TTL       time.Duration `json:"ttl"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FactFilter narrows ListFacts. Empty fields match everything.
type FactFilter struct {
	TargetID string
	Name     string
}

// TargetStats summarizes the unexpired facts cached for a target.
type TargetStats struct {
	TargetID    string
	Facts       int
	LastUpdated time.Time
}

// AuditEntry records one change applied to a managed setting.
type AuditEntry struct {
	ID     int64  `json:"id"`
	Action string `json:"action"` // setting.create, setting.update, setting.delete
	Actor  string `json:"actor"`

	// Target is "type:section/setting". Empty is stored as NULL.
	Target string `json:"target,omitempty"`

	// Details is a JSON document with secret values already redacted.
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter narrows ListAuditEntries. Empty fields match everything.
type AuditFilter struct {
	Action string
	Actor  string

	// TargetPrefix matches targets starting with it, e.g. "usm_config:".
	TargetPrefix string
}

// Store caches facts and keeps the setting audit trail.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, targetID, name string) (*Fact, error)
	ListFacts(ctx context.Context, filter FactFilter) ([]*Fact, error)
	ListFactTargets(ctx context.Context) ([]*TargetStats, error)
	DeleteTargetFacts(ctx context.Context, targetID string) (int64, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditEntry, error)
}
