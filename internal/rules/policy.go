// Package rules evaluates the CEL alert policy that decides which anomaly
// verdicts become user notifications.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// DefaultPolicy alerts on every verdict.
const DefaultPolicy = "confidence > 0"

// AlertPolicy is a compiled boolean CEL expression over a flagged expense.
// Variables: confidence (int), amount (double), category, merchant, reason (string).
type AlertPolicy struct {
	mu      sync.RWMutex
	env     *cel.Env
	expr    string
	program cel.Program
}

// NewAlertPolicy compiles expr. An empty expression uses DefaultPolicy.
func NewAlertPolicy(expr string) (*AlertPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("reason", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	p := &AlertPolicy{env: env}
	if err := p.Reload(expr); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate compiles expr without replacing the active program. An empty
// expression validates as DefaultPolicy, matching Reload.
func (p *AlertPolicy) Validate(expr string) error {
	if expr == "" {
		expr = DefaultPolicy
	}
	_, err := p.compile(expr)
	return err
}

// Reload swaps in a new expression. The old one stays active on error.
func (p *AlertPolicy) Reload(expr string) error {
	if expr == "" {
		expr = DefaultPolicy
	}

	program, err := p.compile(expr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.expr = expr
	p.program = program
	p.mu.Unlock()
	return nil
}

// Expression returns the active expression.
func (p *AlertPolicy) Expression() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expr
}

// ShouldAlert reports whether a verdict on tx warrants a notification.
// A nil verdict never alerts.
func (p *AlertPolicy) ShouldAlert(tx *domain.Transaction, v *domain.Verdict) (bool, error) {
	if v == nil {
		return false, nil
	}

	merchant := tx.Description
	if merchant == "" {
		merchant = domain.UnknownMerchant
	}

	activation := map[string]any{
		"confidence": int64(v.Confidence),
		"amount":     tx.Amount.InexactFloat64(),
		"category":   tx.Category,
		"merchant":   merchant,
		"reason":     v.Reason,
	}

	p.mu.RLock()
	program := p.program
	p.mu.RUnlock()

	out, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("alert policy evaluation failed: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("alert policy returned %s, want bool", out.Type())
	}
	return bool(b), nil
}

func (p *AlertPolicy) compile(expr string) (cel.Program, error) {
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile alert policy: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("alert policy must return bool, got %s", ast.OutputType())
	}

	program, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for alert policy: %w", err)
	}
	return program, nil
}
