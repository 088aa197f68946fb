package memory

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// filtered gates a processor behind a compiled boolean expression over
// the mutation fields.
type filtered struct {
	inner     Processor
	condition string
	program   *vm.Program
}

// Filtered wraps a processor so it only runs when condition evaluates to
// true. The expression sees the mutation as flat variables: op,
// conversation_id, resource_id, message_id, role, agent_id, key.
func Filtered(p Processor, condition string) (Processor, error) {
	program, err := expr.Compile(condition, expr.Env(mutationEnv(Mutation{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("processor filter %q: %w", condition, err)
	}
	return &filtered{inner: p, condition: condition, program: program}, nil
}

func (f *filtered) Name() string { return f.inner.Name() }

func (f *filtered) Process(ctx context.Context, m Mutation) error {
	result, err := expr.Run(f.program, mutationEnv(m))
	if err != nil {
		return fmt.Errorf("processor filter %q: %w", f.condition, err)
	}
	match, ok := result.(bool)
	if !ok {
		return fmt.Errorf("processor filter %q returned %T, expected bool", f.condition, result)
	}
	if !match {
		return nil
	}
	return f.inner.Process(ctx, m)
}

func mutationEnv(m Mutation) map[string]any {
	return map[string]any{
		"op":              string(m.Op),
		"conversation_id": m.ConversationID,
		"resource_id":     m.ResourceID,
		"message_id":      m.MessageID,
		"role":            string(m.Role),
		"agent_id":        m.AgentID,
		"key":             m.Key,
	}
}
