package policy

import "time"

// Severity grades a violation. Error and critical violations block the
// setting change; the others are only logged.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose "deny" set lists the violations of a
// pending setting change. Set members are either a message string or an
// object with "message" and optionally "severity".
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rego        string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source   string    `json:"source,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one member of a policy's deny set.
type Violation struct {
	Policy string `json:"policy"`

	// Resource is the setting, "type:section/setting".
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// SettingInput is the document policies see as "input".
type SettingInput struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Secret  bool   `json:"secret"`
	Action  string `json:"action"`
}
