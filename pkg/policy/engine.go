package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/platformconf/platformconf/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against pending setting changes. It
// implements engine.SettingPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations"`
	Warnings    []string    `json:"warnings,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// NewEngine creates a policy engine with the built-in policies loaded.
// data is exposed to policies under "data", e.g. data.protected_settings.
func NewEngine(logger zerolog.Logger, data map[string]interface{}) (*Engine, error) {
	store := inmem.New()
	if data != nil {
		store = inmem.NewFromObject(data)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    store,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.AddPolicy(context.Background(), builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// AddPolicy compiles policy and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}

	e.mu.Lock()
	e.policies[policy.Name] = &compiledPolicy{
		policy:   &policy,
		query:    query,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// LoadPolicies loads .rego and .json policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// EvaluateSetting evaluates every enabled policy against input. A policy
// that fails to evaluate is reported as a warning and does not block.
func (e *Engine) EvaluateSetting(ctx context.Context, input SettingInput) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, Violations: []Violation{}}
	resource := input.Type + ":" + input.Name

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("resource", resource).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, r := range rs {
			if len(r.Expressions) == 0 {
				continue
			}
			denySet, ok := r.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				v := createViolation(cp.policy, d, resource)
				if v.Severity.blocking() {
					result.Allowed = false
				}
				result.Violations = append(result.Violations, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	e.logger.Debug().
		Str("resource", resource).
		Int("violations", len(result.Violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Setting policy evaluation completed")

	return result, nil
}

// Check rejects the change when a blocking violation is found. Warnings
// are logged and the change proceeds.
func (e *Engine) Check(ctx context.Context, req engine.SettingRequest) error {
	result, err := e.EvaluateSetting(ctx, SettingInput(req))
	if err != nil {
		return err
	}

	var messages []string
	for _, v := range result.Violations {
		if v.Severity.blocking() {
			messages = append(messages, v.Message)
			continue
		}
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("resource", v.Resource).
			Msg(v.Message)
	}

	if result.Allowed {
		return nil
	}

	return engine.NewValidationError(strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithResource(req.Type+":"+req.Name).
		WithOperation(req.Action).
		WithDetail("violations", result.Violations)
}

func createViolation(policy *Policy, result interface{}, resource string) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Resource: resource,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy not found", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy not found", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
