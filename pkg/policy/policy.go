// Package policy evaluates declarative authorization rules against a request
// context. Conditions are CEL expressions compiled once at load time;
// evaluation is a pure function of (policy set, agent, context) and is safe
// for unlimited concurrent callers.
package policy

import (
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
)

// Action is a rule verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Wildcard matches any agent in a policy's applies_to list.
const Wildcard = "*"

// Rule pairs a CEL condition with the action taken when it matches. The
// condition sees two variables: `agent` (the DID string) and `context` (the
// structured action description).
type Rule struct {
	Name      string `json:"name" yaml:"name"`
	Condition string `json:"condition" yaml:"condition"`
	Action    Action `json:"action" yaml:"action"`
}

// Policy is an ordered rule set for a group of agents. Rule order is
// evaluation order; the first matching rule wins; DefaultAction applies when
// no rule matches.
type Policy struct {
	Name          string   `json:"name" yaml:"name"`
	AppliesTo     []string `json:"applies_to" yaml:"applies_to"`
	Rules         []Rule   `json:"rules" yaml:"rules"`
	DefaultAction Action   `json:"default_action" yaml:"default_action"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Action      Action `json:"action"`
	Allowed     bool   `json:"allowed"`
	PolicyName  string `json:"policy_name,omitempty"`
	MatchedRule string `json:"matched_rule,omitempty"`
}

// loadedPolicy carries the compiled programs alongside the declaration.
// Programs are immutable after load, so evaluation needs no locking.
type loadedPolicy struct {
	policy   Policy
	programs []cel.Program
}

func (p *loadedPolicy) appliesTo(agent string) bool {
	for _, a := range p.policy.AppliesTo {
		if a == Wildcard || a == agent {
			return true
		}
	}
	return false
}

// Engine holds the loaded policy set. Loading replaces a policy by name;
// evaluation never mutates state.
type Engine struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	policies []*loadedPolicy
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine with the standard evaluation environment.
func NewEngine(opts ...Option) (*Engine, error) {
	const op = "policy.NewEngine"

	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindGovernance, op, err)
	}

	e := &Engine{env: env, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// LoadPolicy validates and compiles a policy, replacing any previously
// loaded policy with the same name. Malformed declarations and conditions
// that fail to compile are rejected here, before any evaluation.
func (e *Engine) LoadPolicy(p Policy) error {
	const op = "policy.LoadPolicy"

	if p.Name == "" {
		return errs.E(errs.KindGovernance, op, "policy needs a name")
	}
	if len(p.AppliesTo) == 0 {
		return errs.Ef(errs.KindGovernance, op, "policy %q applies to no agents", p.Name)
	}
	if err := validAction(p.DefaultAction); err != nil {
		return errs.Wrapf(errs.KindGovernance, op, "policy %q default action", err, p.Name)
	}

	programs := make([]cel.Program, len(p.Rules))
	for i, rule := range p.Rules {
		if err := validAction(rule.Action); err != nil {
			return errs.Wrapf(errs.KindGovernance, op, "policy %q rule %q", err, p.Name, rule.Name)
		}
		ast, issues := e.env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return errs.Wrapf(errs.KindGovernance, op, "policy %q rule %q condition", issues.Err(), p.Name, rule.Name)
		}
		prg, err := e.env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return errs.Wrapf(errs.KindGovernance, op, "policy %q rule %q program", err, p.Name, rule.Name)
		}
		programs[i] = prg
	}

	loaded := &loadedPolicy{policy: p, programs: programs}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.policies {
		if existing.policy.Name == p.Name {
			e.policies[i] = loaded
			return nil
		}
	}
	e.policies = append(e.policies, loaded)
	return nil
}

// Evaluate runs the agent's request context through the loaded policy set.
// The first policy applicable to the agent decides: its rules are scanned in
// declaration order and the first whose condition holds determines the
// action; otherwise the policy's default action applies. With no applicable
// policy at all the engine fails closed and denies.
func (e *Engine) Evaluate(agent did.DID, context map[string]any) Result {
	e.mu.RLock()
	policies := make([]*loadedPolicy, len(e.policies))
	copy(policies, e.policies)
	e.mu.RUnlock()

	agentStr := agent.String()
	input := map[string]any{
		"agent":   agentStr,
		"context": context,
	}

	for _, lp := range policies {
		if !lp.appliesTo(agentStr) {
			continue
		}
		for i, rule := range lp.policy.Rules {
			matched, err := evalCondition(lp.programs[i], input)
			if err != nil {
				// An erroring condition is a non-match, never a
				// silent allow.
				e.logger.Warn("policy condition evaluation failed",
					"policy", lp.policy.Name, "rule", rule.Name, "error", err)
				continue
			}
			if matched {
				return Result{
					Action:      rule.Action,
					Allowed:     rule.Action == ActionAllow,
					PolicyName:  lp.policy.Name,
					MatchedRule: rule.Name,
				}
			}
		}
		return Result{
			Action:     lp.policy.DefaultAction,
			Allowed:    lp.policy.DefaultAction == ActionAllow,
			PolicyName: lp.policy.Name,
		}
	}

	// Fail closed.
	return Result{Action: ActionDeny, Allowed: false}
}

// Policies returns the names of all loaded policies in evaluation order.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.policies))
	for i, lp := range e.policies {
		names[i] = lp.policy.Name
	}
	return names
}

func evalCondition(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, errs.Ef(errs.KindGovernance, "policy.evalCondition", "condition result is %T, not bool", out.Value())
	}
	return matched, nil
}

func validAction(a Action) error {
	switch a {
	case ActionAllow, ActionDeny:
		return nil
	default:
		return errs.Ef(errs.KindGovernance, "policy.validAction", "unknown action %q", a)
	}
}
