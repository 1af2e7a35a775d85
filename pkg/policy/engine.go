package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/rs/zerolog"
)

// Engine compiles rego policies and evaluates them against diffs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	guards   []*Guard
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// AddPolicy compiles p and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &p)
}

// AddGuard adds a starlark guard evaluated after the rego policies.
func (e *Engine) AddGuard(g *Guard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards = append(e.guards, g)
}

// LoadPolicies loads and compiles the policy files found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")

	return nil
}

// LoadBundle compiles every policy of a bundle file.
func (e *Engine) LoadBundle(ctx context.Context, path string) (*PolicyBundle, error) {
	bundle, err := NewLoader(e.logger).LoadBundle(ctx, path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range bundle.Policies {
		if err := e.compileAndStorePolicy(ctx, &bundle.Policies[i]); err != nil {
			return nil, fmt.Errorf("failed to compile policy %s of bundle %s: %w", bundle.Policies[i].Name, bundle.Name, err)
		}
	}
	return bundle, nil
}

// EvaluateDiffs evaluates every enabled policy and guard against each diff of a tier.
func (e *Engine) EvaluateDiffs(ctx context.Context, tier string, diffs []*graph.Diff) (*Result, error) {
	inputs := make([]Input, 0, len(diffs))
	for _, d := range diffs {
		inputs = append(inputs, NewInput(tier, d))
	}
	return e.Evaluate(ctx, inputs)
}

// Evaluate evaluates every enabled policy and guard against each input.
// A policy that fails to evaluate is an error; evaluation stops there.
func (e *Engine) Evaluate(ctx context.Context, inputs []Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := newResult()
	for _, cp := range e.enabled() {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)
		for i := range inputs {
			violations, err := e.evaluatePolicy(ctx, cp, &inputs[i])
			if err != nil {
				return nil, errs.NewValidationError(fmt.Sprintf("policy %s failed to evaluate", cp.policy.Name), err).
					WithResource(inputs[i].Diff.Node.Context)
			}
			for _, v := range violations {
				result.add(v)
			}
		}
	}

	for _, g := range e.guards {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, g.Name())
		for i := range inputs {
			v, err := g.Check(ctx, &inputs[i])
			if err != nil {
				return nil, err
			}
			if v != nil {
				result.add(*v)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Int("inputs", len(inputs)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// enabled returns the enabled policies by name.
func (e *Engine) enabled() []*compiledPolicy {
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		out = append(out, e.policies[name])
	}
	return out
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from one element of a deny set. Elements are
// either plain messages or objects with message, severity and details.
func createViolation(policy *Policy, result any, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
		Node:     input.Diff.Node.Context,
		Diff:     fmt.Sprintf("%s %s.%s", input.Diff.Action, input.Diff.Node.Context, input.Diff.Field),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			if s, err := ParseSeverity(sev); err == nil {
				violation.Severity = s
			}
		}
		if details, ok := v["details"].(map[string]any); ok {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. The caller holds the lock.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled")

	return nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, errs.NewValidationError(fmt.Sprintf("policy not found: %s", name), nil).WithCode(errs.ErrCodeNotFound)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// ReloadPolicies replaces the loaded policies with the built-ins plus policies.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	compiled := &Engine{policies: make(map[string]*compiledPolicy), store: e.store, logger: e.logger}
	if err := compiled.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	for i := range policies {
		if err := compiled.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = compiled.policies
	e.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
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
		return errs.NewValidationError(fmt.Sprintf("policy not found: %s", name), nil).WithCode(errs.ErrCodeNotFound)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
