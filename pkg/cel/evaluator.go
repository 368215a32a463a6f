package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"pulse/internal/events"
)

// Evaluator compiles boolean filter expressions over envelopes. Expressions
// see the envelope metadata as top-level variables and the decoded payload as
// a map named payload.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_id", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("occurred_at", cel.TimestampType),
		cel.Variable("correlation_id", cel.StringType),
		cel.Variable("causation_id", cel.StringType),
		cel.Variable("schema_version", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileFilter(expression)
	return err
}

func (e *Evaluator) compileFilter(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return program, nil
}

// Filter is a compiled expression, safe for concurrent use.
type Filter struct {
	expression string
	program    cel.Program
}

// CompileFilter compiles expression once so it can be evaluated per envelope.
func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	program, err := e.compileFilter(expression)
	if err != nil {
		return nil, err
	}
	return &Filter{expression: expression, program: program}, nil
}

func (f *Filter) String() string { return f.expression }

// Match evaluates the filter against env.
func (f *Filter) Match(ctx context.Context, env events.Envelope) (bool, error) {
	payload, err := env.PayloadMap()
	if err != nil {
		return false, err
	}

	vars := map[string]interface{}{
		"event_id":       env.EventID,
		"event_type":     env.EventType,
		"domain":         string(env.Domain),
		"occurred_at":    env.OccurredAt,
		"correlation_id": env.CorrelationID,
		"causation_id":   env.CausationID,
		"schema_version": int64(env.SchemaVersion),
		"payload":        payload,
	}

	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateFilter compiles and evaluates expression in one step. Callers that
// evaluate the same expression repeatedly should use CompileFilter.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, env events.Envelope) (bool, error) {
	f, err := e.CompileFilter(expression)
	if err != nil {
		return false, err
	}
	return f.Match(ctx, env)
}
