package httpapi

import "context"

type contextKey string

const operatorKey contextKey = "operator"

// WithOperator attaches the authenticated operator name to ctx.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// OperatorFrom returns the operator set by WithOperator, or "".
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}
