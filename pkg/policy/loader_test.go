package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const debugRego = `package platformconf.policies.debug

# Debug logging must stay off in production.

import rego.v1

deny contains "debug must stay off" if {
	input.key == "debug"
	input.value == "True"
}
`

const strictRego = `# Only TLS 1.2 or newer may be configured.
# severity: error
package platformconf.policies.tls

import rego.v1

# Not part of the description.
deny contains "tls too old" if {
	input.key == "tls_min_version"
	input.value in {"1.0", "1.1"}
}
`

func quietLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	jsonPolicy, err := json.Marshal(Policy{Name: "json-policy", Rego: debugRego, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"no-debug.rego":  debugRego,
		"tls.rego":       strictRego,
		"policy.json":    string(jsonPolicy),
		"nameless.json":  `{"rego": "package x"}`,
		"broken.rego":    "package",
		"notes.txt":      "ignored",
		"malformed.json": "{not json",
	})

	tests := []struct {
		file         string
		wantName     string
		wantDesc     string
		wantSeverity Severity
		wantErr      bool
	}{
		{file: "no-debug.rego", wantName: "no-debug", wantDesc: "Debug logging must stay off in production.", wantSeverity: SeverityWarning},
		{file: "tls.rego", wantName: "tls", wantDesc: "Only TLS 1.2 or newer may be configured.", wantSeverity: SeverityError},
		{file: "policy.json", wantName: "json-policy", wantSeverity: SeverityWarning},
		{file: "nameless.json", wantErr: true},
		{file: "broken.rego", wantErr: true},
		{file: "malformed.json", wantErr: true},
		{file: "notes.txt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			p, err := quietLoader().loadFile(path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got policy %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadFile() error = %v", err)
			}
			if p.Name != tt.wantName {
				t.Errorf("expected name %q, got %q", tt.wantName, p.Name)
			}
			if p.Description != tt.wantDesc {
				t.Errorf("expected description %q, got %q", tt.wantDesc, p.Description)
			}
			if p.Severity != tt.wantSeverity {
				t.Errorf("expected severity %s, got %s", tt.wantSeverity, p.Severity)
			}
			if p.Source != path || p.LoadedAt.IsZero() || !p.Enabled {
				t.Errorf("unexpected metadata source=%s loaded=%v enabled=%v", p.Source, p.LoadedAt, p.Enabled)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.rego":        debugRego,
		"nested/b.rego": strictRego,
		"broken.json":   "{not json",
		"README.md":     "ignored",
	})

	policies, err := quietLoader().LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}

	if _, err := quietLoader().LoadFromPaths(context.Background(), []string{filepath.Join(dir, "broken.json")}); err == nil {
		t.Error("expected error for a broken file named directly")
	}
	if _, err := quietLoader().LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := quietLoader().LoadFromPaths(ctx, []string{dir}); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t, nil)

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"no-debug.rego": debugRego,
		"tls.rego":      strictRego,
	})

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("no-debug")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Source == "" {
		t.Error("expected source path on loaded policy")
	}

	tests := []struct {
		name        string
		input       SettingInput
		wantAllowed bool
		wantCount   int
	}{
		{
			name:        "warning only",
			input:       SettingInput{Type: "usm_config", Name: "DEFAULT/debug", Key: "debug", Value: "True", Action: "write"},
			wantAllowed: true,
			wantCount:   1,
		},
		{
			name:        "error severity from header",
			input:       SettingInput{Type: "usm_config", Name: "DEFAULT/tls_min_version", Key: "tls_min_version", Value: "1.1", Action: "write"},
			wantAllowed: false,
			wantCount:   1,
		},
		{
			name:        "clean",
			input:       SettingInput{Type: "usm_config", Name: "DEFAULT/tls_min_version", Key: "tls_min_version", Value: "1.3", Action: "write"},
			wantAllowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateSetting(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("EvaluateSetting() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed || len(result.Violations) != tt.wantCount {
				t.Errorf("expected allowed=%v with %d violations, got allowed=%v %+v",
					tt.wantAllowed, tt.wantCount, result.Allowed, result.Violations)
			}
		})
	}
}
