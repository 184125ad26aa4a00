// Package middleware implements the composition algebra for orchestration
// policies. A Middleware adapts the scenario shape a test author writes
// against while deferring final execution to a supplied runner; Compose
// chains middlewares so the outermost-listed one is the first to observe the
// raw scenario and the last to hand off to the execution runner. Compose is
// associative and Identity is its two-sided identity, so chains can be built
// in any grouping.
package middleware

import "context"

// Run executes a scenario of shape S.
type Run[S any] func(ctx context.Context, f S) error

// Middleware adapts a scenario of shape A onto a runner for shape B.
type Middleware[A, B any] func(ctx context.Context, run Run[B], f A) error

// Identity passes the scenario through untouched.
func Identity[A any]() Middleware[A, A] {
	return func(ctx context.Context, run Run[A], f A) error {
		return run(ctx, f)
	}
}

// Compose chains two middlewares: x observes the raw scenario first and y
// sits closer to the execution runner. Evaluation is right-to-left: y builds
// its wrapped runner context from x's.
func Compose[A, B, C any](x Middleware[A, B], y Middleware[B, C]) Middleware[A, C] {
	return func(ctx context.Context, run Run[C], f A) error {
		return x(ctx, func(ctx context.Context, g B) error {
			return y(ctx, run, g)
		}, f)
	}
}
