package expressions

import "context"

// Engine evaluates expressions against a data map.
// Three implementations: CEL (step rules), Expr (activity predicates), GoJQ (projections).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
