package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/platformconf/platformconf/pkg/config"
	"github.com/platformconf/platformconf/pkg/engine"
)

func TestRenderTable(t *testing.T) {
	header := []string{"IFNAME", "BASE PORT"}
	rows := [][]string{{"eth0", "1000"}, {"eth1", "2000"}}
	raw := map[string]string{"eth0": "1000", "eth1": "2000"}

	tests := []struct {
		name     string
		format   string
		contains []string
		excludes []string
		wantErr  bool
	}{
		{
			name:     "table",
			format:   FormatTable,
			contains: []string{"IFNAME", "eth0", "2000", "+"},
		},
		{
			name:     "compact",
			format:   FormatCompact,
			contains: []string{"IFNAME", "eth1"},
			excludes: []string{"+"},
		},
		{
			name:     "csv",
			format:   FormatCSV,
			contains: []string{"IFNAME,BASE PORT\n", "eth0,1000\n"},
		},
		{
			name:     "csv without header",
			format:   FormatCSV + ",noheader",
			contains: []string{"eth0,1000\n"},
			excludes: []string{"IFNAME"},
		},
		{
			name:     "json",
			format:   FormatJSON,
			contains: []string{`"eth0": "1000"`},
		},
		{
			name:     "yaml",
			format:   FormatYAML,
			contains: []string{"eth1: \"2000\""},
		},
		{
			name:    "unknown",
			format:  "xml",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := renderTable(&buf, tt.format, header, rows, raw)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			out := buf.String()
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("expected output to contain %q, got:\n%s", s, out)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(out, s) {
					t.Errorf("expected output not to contain %q, got:\n%s", s, out)
				}
			}
		})
	}
}

func TestFormatJSONFlagWins(t *testing.T) {
	defer func() {
		jsonOutput = false
		outputFormat = FormatTable
	}()

	outputFormat = FormatYAML
	if got := format(); got != FormatYAML {
		t.Errorf("expected %s, got %s", FormatYAML, got)
	}

	jsonOutput = true
	if got := format(); got != FormatJSON {
		t.Errorf("expected %s, got %s", FormatJSON, got)
	}
}

func TestFactString(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{nil, ""},
		{"controller-0", "controller-0"},
		{true, "true"},
		{[]any{"ceph-0", "ceph-1"}, `["ceph-0","ceph-1"]`},
	}

	for _, tt := range tests {
		if got := factString(tt.value); got != tt.want {
			t.Errorf("factString(%v): expected %q, got %q", tt.value, tt.want, got)
		}
	}
}

func TestFormatParameters(t *testing.T) {
	got := formatParameters(map[string]string{"b": "2", "a": "1"})
	if got != "a=1\nb=2" {
		t.Errorf("expected sorted parameters, got %q", got)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("test", "none", "today")

	for _, path := range [][]string{
		{"clock", "parse"},
		{"clock", "check"},
		{"clock", "watch"},
		{"facts", "collect"},
		{"facts", "purge"},
		{"setting", "set"},
		{"setting", "history"},
		{"policy", "check"},
		{"config", "validate"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("expected command %v, got %v (%v)", path, cmd, err)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := newTestConfig()
	cfg.Hosts = []engine.Host{{Name: "c1", Address: "10.0.0.1", User: "root", Password: "hunter2"}}

	out := redactedConfig(cfg)
	if out.Hosts[0].Password != engine.RedactedNew {
		t.Errorf("expected redacted password, got %q", out.Hosts[0].Password)
	}
	if cfg.Hosts[0].Password != "hunter2" {
		t.Error("expected original config to be unchanged")
	}
}

func newTestConfig() *config.Config {
	return config.Default()
}
