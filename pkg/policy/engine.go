package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// Engine evaluates Rego deny rules against jobs before they are dispatched.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	host     engine.HostIdentity
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// SetHost records the identity exposed to policies as input.context.
func (e *Engine) SetHost(host engine.HostIdentity) {
	e.mu.Lock()
	e.host = host
	e.mu.Unlock()
}

// Evaluate returns the blocking violation messages for job. Non-blocking
// violations are logged.
func (e *Engine) Evaluate(ctx context.Context, job *spec.JobSpec) ([]string, error) {
	violations, err := e.EvaluateJob(ctx, job)
	if err != nil {
		return nil, err
	}

	var blocking []string
	for _, v := range violations {
		if v.Severity.Blocks() {
			blocking = append(blocking, v.Message)
			continue
		}
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("job", v.Job).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}
	return blocking, nil
}

// EvaluateJob runs every enabled policy against job, in policy name order.
func (e *Engine) EvaluateJob(ctx context.Context, job *spec.JobSpec) ([]Violation, error) {
	startTime := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	input, err := e.buildInput(job)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []Violation
	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for i := range found {
			found[i].Job = job.Name
		}
		violations = append(violations, found...)
	}

	e.logger.Debug().
		Str("job", job.Name).
		Int("violations", len(violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Job policy evaluation completed")

	return violations, nil
}

// buildInput converts job into a JSON-shaped policy input.
func (e *Engine) buildInput(job *spec.JobSpec) (map[string]any, error) {
	in := Input{
		Job: JobInput{
			Name:      job.Name,
			Component: job.Component,
			Params:    job.Params,
			Source:    job.Source,
		},
		Context: InputContext{
			Hostname:  e.host.Hostname,
			Platform:  e.host.Platform,
			Timestamp: time.Now(),
		},
	}
	if raw, ok := job.Params["path"].(string); ok {
		in.Job.RawPath = raw
		if filepath.IsAbs(raw) {
			in.Job.Path = filepath.Clean(raw)
		}
	}

	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	return doc, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from a deny entry, which may be a plain
// message or an object with message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
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

// LoadPolicies compiles the policy files found under paths and adds them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceUserPolicies(ctx, policies)
}

// ReplaceUserPolicies swaps the loaded user policies for policies, keeping the
// built-ins. Nothing changes when any policy fails to compile.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Source == "" {
			return fmt.Errorf("policy %s collides with a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if cp.policy.Source != "" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// compilePolicy parses policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	r := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// ListPolicies returns all loaded policies sorted by name.
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

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}
