package engine

import (
	"context"
)

// SettingProvider manages individual settings of one configuration file.
// Settings are addressed by "section/setting" names.
type SettingProvider interface {
	// Read returns the current value of a setting.
	// Returns a NOT_FOUND error if the setting is absent.
	Read(ctx context.Context, name string) (*Setting, error)

	// Write ensures the setting is present with the given value.
	Write(ctx context.Context, setting Setting) (*Change, error)

	// Delete ensures the setting is absent.
	Delete(ctx context.Context, name string) (*Change, error)

	// List enumerates every setting currently in the file.
	List(ctx context.Context) ([]Setting, error)

	// Metadata describes the provider.
	Metadata() ProviderMetadata
}

// Setting is one key inside a section of a configuration file.
type Setting struct {
	// Name is the resource name, "section/setting".
	Name string `json:"name" validate:"required,setting_name"`

	// Section is the part of Name before the first slash.
	Section string `json:"section"`

	// Key is the part of Name after the first slash.
	Key string `json:"key"`

	// Value is the setting value.
	Value string `json:"value"`

	// Secret hides the value from logs and change descriptions.
	Secret bool `json:"secret,omitempty"`
}

// Redaction markers shown instead of secret values.
const (
	RedactedOld = "[old secret redacted]"
	RedactedNew = "[new secret redacted]"
)

// ChangeAction is the kind of modification a provider applied.
type ChangeAction string

const (
	ChangeActionNone   ChangeAction = "none"
	ChangeActionCreate ChangeAction = "create"
	ChangeActionUpdate ChangeAction = "update"
	ChangeActionDelete ChangeAction = "delete"
)

// Change describes what a Write or Delete did.
type Change struct {
	// Name is the resource name.
	Name string `json:"name"`

	// Action is what happened to the setting.
	Action ChangeAction `json:"action"`

	// Changed is false when the file already matched.
	Changed bool `json:"changed"`

	// Before is the previous value, redacted for secrets.
	Before string `json:"before,omitempty"`

	// After is the new value, redacted for secrets.
	After string `json:"after,omitempty"`
}

// ProviderMetadata describes a setting provider.
type ProviderMetadata struct {
	// Type is the setting type name, e.g. "dcagent_config".
	Type string `json:"type" yaml:"type"`

	// Path is the file managed by the provider.
	Path string `json:"path" yaml:"path"`

	// Separator is written between key and value.
	Separator string `json:"separator" yaml:"separator"`

	// Description is optional free text.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ValueNormalizer is implemented by providers that rewrite values before
// comparing or writing them. Policies see the normalized value.
type ValueNormalizer interface {
	NormalizeValue(value string) string
}

// SettingPolicy decides whether a setting change may be applied. Check
// returns an error with code POLICY_VIOLATION to reject the change.
type SettingPolicy interface {
	Check(ctx context.Context, req SettingRequest) error
}

// SettingRequest is a pending change presented to a SettingPolicy. Value
// is redacted for secret settings.
type SettingRequest struct {
	Type    string
	Path    string
	Name    string
	Section string
	Key     string
	Value   string
	Secret  bool
	Action  string
}
