package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Its first comment
// block is the description; a "severity: <level>" line in that block sets
// the severity, which otherwise defaults to warning. A .json file holds a
// serialized Policy.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

type fileParser func(path string, data []byte) (*Policy, error)

var parsers = map[string]fileParser{
	".rego": parseRegoFile,
	".json": parseJSONFile,
}

// LoadFromPaths loads every policy file named in paths. A directory is
// walked recursively; a broken file inside it is logged and skipped. A
// broken file named directly is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}

		if !info.IsDir() {
			p, err := l.loadFile(root)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || parsers[filepath.Ext(path)] == nil {
				return nil
			}

			p, err := l.loadFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("count", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	parse, ok := parsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	p.Source = path
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

func parseRegoFile(path string, data []byte) (*Policy, error) {
	module, err := ast.ParseModule(path, string(data))
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, fmt.Errorf("empty module")
	}

	description, severity := headerComment(module.Comments)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}, nil
}

// headerComment joins the first block of consecutive comment lines,
// pulling out a "severity:" directive.
func headerComment(comments []*ast.Comment) (string, Severity) {
	var (
		lines    []string
		severity Severity
		lastRow  int
	)
	for _, c := range comments {
		if len(lines) > 0 && c.Location.Row != lastRow+1 {
			break
		}
		lastRow = c.Location.Row

		text := strings.TrimSpace(string(c.Text))
		if v, ok := strings.CutPrefix(text, "severity:"); ok {
			severity = Severity(strings.TrimSpace(v))
			lines = append(lines, "")
			continue
		}
		lines = append(lines, text)
	}
	return strings.Join(strings.Fields(strings.Join(lines, " ")), " "), severity
}

func parseJSONFile(_ string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	return &p, nil
}
