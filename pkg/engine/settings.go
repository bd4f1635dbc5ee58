package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platformconf/platformconf/pkg/stores"
	"github.com/platformconf/platformconf/pkg/telemetry"
)

// DefaultActor is recorded in audit entries when no actor is given.
const DefaultActor = "platformconf"

// SettingsService applies setting changes through a provider and keeps an
// audit trail of every change that touched the file.
type SettingsService struct {
	provider SettingProvider
	store    stores.Store
	actor    string
	policy   SettingPolicy
}

// NewSettingsService creates a service for provider. A nil store disables
// auditing.
func NewSettingsService(provider SettingProvider, store stores.Store, actor string) *SettingsService {
	if actor == "" {
		actor = DefaultActor
	}
	return &SettingsService{
		provider: provider,
		store:    store,
		actor:    actor,
	}
}

// WithPolicy gates every write and delete on policy.
func (s *SettingsService) WithPolicy(policy SettingPolicy) *SettingsService {
	s.policy = policy
	return s
}

// Metadata describes the wrapped provider.
func (s *SettingsService) Metadata() ProviderMetadata {
	return s.provider.Metadata()
}

// Get returns the current value of a setting.
func (s *SettingsService) Get(ctx context.Context, name string) (*Setting, error) {
	var setting *Setting
	err := s.call(ctx, "read", func(ctx context.Context) error {
		var err error
		setting, err = s.provider.Read(ctx, name)
		return err
	})
	return setting, err
}

// Set ensures the setting holds value.
func (s *SettingsService) Set(ctx context.Context, setting Setting) (*Change, error) {
	if n, ok := s.provider.(ValueNormalizer); ok {
		setting.Value = n.NormalizeValue(setting.Value)
	}

	value := setting.Value
	if setting.Secret {
		value = RedactedNew
	}
	if err := s.check(ctx, "write", setting.Name, value, setting.Secret); err != nil {
		return nil, err
	}

	var change *Change
	err := s.call(ctx, "write", func(ctx context.Context) error {
		var err error
		change, err = s.provider.Write(ctx, setting)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, change)
	return change, nil
}

// Remove ensures the setting is absent. When secret is set the removed
// value is redacted.
func (s *SettingsService) Remove(ctx context.Context, name string, secret bool) (*Change, error) {
	if err := s.check(ctx, "delete", name, "", secret); err != nil {
		return nil, err
	}

	var change *Change
	err := s.call(ctx, "delete", func(ctx context.Context) error {
		var err error
		change, err = s.provider.Delete(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	if secret && change.Before != "" {
		change.Before = RedactedOld
	}

	s.record(ctx, change)
	return change, nil
}

// List returns every setting of the file.
func (s *SettingsService) List(ctx context.Context) ([]Setting, error) {
	var settings []Setting
	err := s.call(ctx, "list", func(ctx context.Context) error {
		var err error
		settings, err = s.provider.List(ctx)
		return err
	})
	return settings, err
}

// History returns the audit entries of this provider's settings, newest
// first. A limit of zero returns them all.
func (s *SettingsService) History(ctx context.Context, limit int) ([]*stores.AuditEntry, error) {
	if s.store == nil {
		return []*stores.AuditEntry{}, nil
	}

	filter := stores.AuditFilter{TargetPrefix: s.provider.Metadata().Type + ":"}
	entries, err := s.store.ListAuditEntries(ctx, filter, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (s *SettingsService) check(ctx context.Context, action, name, value string, secret bool) error {
	if s.policy == nil {
		return nil
	}

	meta := s.provider.Metadata()
	section, key, _ := strings.Cut(name, "/")
	err := s.policy.Check(ctx, SettingRequest{
		Type:    meta.Type,
		Path:    meta.Path,
		Name:    name,
		Section: section,
		Key:     key,
		Value:   value,
		Secret:  secret,
		Action:  action,
	})
	if err != nil {
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			tel.Metrics.RecordError(ClassAndCode(err))
		}
		telemetry.FromContext(ctx).WithSetting(meta.Type, name).WithError(err).Warn("Setting change rejected by policy")
	}
	return err
}

func (s *SettingsService) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	err := telemetry.RecordProviderOperation(ctx, s.provider.Metadata().Type, operation, fn)
	if err != nil {
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			tel.Metrics.RecordError(ClassAndCode(err))
		}
	}
	return err
}

// record audits a change that modified the file. Audit failures are
// logged; the file change itself already happened.
func (s *SettingsService) record(ctx context.Context, change *Change) {
	if change == nil || !change.Changed {
		return
	}

	meta := s.provider.Metadata()
	logger := telemetry.FromContext(ctx).WithSetting(meta.Type, change.Name)

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordSettingChange(meta.Type, string(change.Action))
		tel.Events.PublishSettingChanged(meta.Type, change.Name, string(change.Action), change.Before, change.After)
	}

	if s.store == nil {
		return
	}

	details, err := json.Marshal(map[string]string{
		"path":   meta.Path,
		"before": change.Before,
		"after":  change.After,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to encode audit details")
		return
	}

	entry := &stores.AuditEntry{
		Action:    "setting." + string(change.Action),
		Actor:     s.actor,
		Target:    meta.Type + ":" + change.Name,
		Details:   string(details),
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		logger.WithError(err).Error("Failed to record audit entry")
	}
}
