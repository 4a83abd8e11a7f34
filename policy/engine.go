package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Rules are the operator-configured lists the policy is evaluated against.
type Rules struct {
	AllowedRepos     []string
	DeniedOperations []string
}

// Input is one policy question.
type Input struct {
	Repo            string
	Operation       string
	RequestedScopes []string
	DeclaredScopes  []string
}

// Decision is the answer. ReasonCode is empty when Allow is true.
type Decision struct {
	Allow      bool   `json:"allow"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// Denial reason codes in the order they are checked.
var reasonPrecedence = []string{
	domain.ReasonRepoNotAllowlisted,
	domain.ReasonOperationDenied,
	domain.ReasonScopeViolation,
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
	rules Rules
}

// NewEngine prepares policyContent, which must define data.changeset_policy.decision.
func NewEngine(ctx context.Context, policyContent string, rules Rules) (*Engine, error) {
	r := rego.New(
		rego.Query("data.changeset_policy.decision"),
		rego.Module("changeset_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, rules: rules}, nil
}

// NewDefaultEngine prepares DefaultPolicy.
func NewDefaultEngine(ctx context.Context, rules Rules) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy, rules)
}

// Evaluate decides one (repo, operation, scopes) question. The same input always
// yields the same decision.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"repo":              in.Repo,
		"operation":         in.Operation,
		"requested_scopes":  nonNil(in.RequestedScopes),
		"declared_scopes":   nonNil(in.DeclaredScopes),
		"allowed_repos":     nonNil(e.rules.AllowedRepos),
		"denied_operations": nonNil(e.rules.DeniedOperations),
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy returned no decision")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason_code"].(string)
	if allow {
		return Decision{Allow: true}, nil
	}
	if reason == "" {
		return Decision{}, fmt.Errorf("policy denied without a reason code")
	}
	return Decision{Allow: false, ReasonCode: reason}, nil
}

// EvaluateAll decides every operation type of a changeset. When several are
// denied, the reason earliest in the check order wins.
func (e *Engine) EvaluateAll(ctx context.Context, repo string, operations []string, requested, declared []string) (Decision, error) {
	best := Decision{Allow: true}
	bestRank := len(reasonPrecedence)
	for _, op := range operations {
		d, err := e.Evaluate(ctx, Input{
			Repo:            repo,
			Operation:       op,
			RequestedScopes: requested,
			DeclaredScopes:  declared,
		})
		if err != nil {
			return Decision{}, err
		}
		if d.Allow {
			continue
		}
		if rank := precedence(d.ReasonCode); rank < bestRank || best.Allow {
			best, bestRank = d, rank
		}
	}
	return best, nil
}

// Rules returns the lists the engine was built with.
func (e *Engine) Rules() Rules {
	return e.rules
}

func precedence(reason string) int {
	for i, r := range reasonPrecedence {
		if r == reason {
			return i
		}
	}
	return len(reasonPrecedence)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DefaultPolicy denies, in order: repos outside the allow-list (glob patterns
// per path segment), operation types on the deny-list, and requested scopes the
// run never declared.
const DefaultPolicy = `
package changeset_policy

import rego.v1

default decision := {"allow": true, "reason_code": ""}

repo_allowed if {
	some pattern in input.allowed_repos
	glob.match(pattern, ["/"], input.repo)
}

operation_denied if {
	input.operation in input.denied_operations
}

scope_violation if {
	some scope in input.requested_scopes
	not scope in input.declared_scopes
}

decision := {"allow": false, "reason_code": "repo_not_allowlisted"} if {
	not repo_allowed
} else := {"allow": false, "reason_code": "operation_denied"} if {
	operation_denied
} else := {"allow": false, "reason_code": "scope_violation"} if {
	scope_violation
}
`
