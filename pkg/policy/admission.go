// Package policy evaluates operator-defined CEL admission rules against new jobs.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
)

// Rule is one named CEL expression that must evaluate to true.
//
// Expressions see:
//
//	job.owner, job.name, job.description  string
//	job.budget                            int
//	owner.balance, owner.jobs             int
//	now                                   int (unix seconds)
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// Request describes a job about to be created.
type Request struct {
	Owner       contracts.AccountID
	Name        string
	Description string
	Budget      int64
	Balance     int64
	OwnedJobs   int
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Admission holds compiled rules. The zero value, or nil, admits everything.
type Admission struct {
	rules []compiledRule
	clock func() time.Time
}

// NewAdmission compiles rules. Any compile error is returned immediately.
func NewAdmission(rules []Rule) (*Admission, error) {
	env, err := cel.NewEnv(
		cel.Variable("job", cel.DynType),
		cel.Variable("owner", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	a := &Admission{clock: time.Now}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s: compile: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
			return nil, fmt.Errorf("policy %s: expression must return bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy %s: program: %w", r.Name, err)
		}
		a.rules = append(a.rules, compiledRule{Rule: r, prg: prg})
	}
	return a, nil
}

// WithClock overrides clock for testing.
func (a *Admission) WithClock(clock func() time.Time) *Admission {
	a.clock = clock
	return a
}

// Len returns the number of rules.
func (a *Admission) Len() int {
	if a == nil {
		return 0
	}
	return len(a.rules)
}

// Admit evaluates every rule. The first rule that is false or fails to
// evaluate denies the request with contracts.ErrAdmissionDenied.
func (a *Admission) Admit(ctx context.Context, req Request) error {
	if a.Len() == 0 {
		return nil
	}
	input := map[string]any{
		"job": map[string]any{
			"owner":       string(req.Owner),
			"name":        req.Name,
			"description": req.Description,
			"budget":      req.Budget,
		},
		"owner": map[string]any{
			"balance": req.Balance,
			"jobs":    int64(req.OwnedJobs),
		},
		"now": a.clock().Unix(),
	}
	for _, r := range a.rules {
		out, _, err := r.prg.ContextEval(ctx, input)
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", contracts.ErrAdmissionDenied, r.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("%w: rule %s: result not bool", contracts.ErrAdmissionDenied, r.Name)
		}
		if !allowed {
			return fmt.Errorf("%w: rule %s", contracts.ErrAdmissionDenied, r.Name)
		}
	}
	return nil
}
