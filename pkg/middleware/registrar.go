package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"testing"

	"github.com/troupe-dev/troupe/pkg/scenario"
)

// TestCase is the raw shape the registrar consumes: a described scenario
// whose function must have the registered signature.
type TestCase struct {
	Description string
	// Fn must be a func(context.Context, scenario.API[C], *testing.T)
	// error for the registrar's C.
	Fn any
}

// TestFn is the scenario signature the registrar requires: the scenario
// context plus the assertion context.
type TestFn[C any] func(ctx context.Context, s scenario.API[C], t *testing.T) error

// ArityError reports a scenario function that does not take exactly the
// scenario context and the assertion context. It is returned before any
// test case is registered.
type ArityError struct {
	Description string
	Got         string
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("middleware: scenario %q must be a func(context.Context, scenario.API[C], *testing.T) error, got %s",
		e.Description, e.Got)
}

// Registrar registers one test case per scenario description under t. A
// scenario error is recorded against its own case, with a stack trace, and
// sibling scenarios keep running; the case completes either way. Scenario
// functions with the wrong signature are rejected with ArityError before
// anything is registered.
func Registrar[C any](t *testing.T) Middleware[TestCase, scenario.Fn[C]] {
	return func(ctx context.Context, run Run[scenario.Fn[C]], tc TestCase) error {
		fn, ok := tc.Fn.(func(ctx context.Context, s scenario.API[C], t *testing.T) error)
		if !ok {
			if typed, isTyped := tc.Fn.(TestFn[C]); isTyped {
				fn = typed
			} else {
				return &ArityError{Description: tc.Description, Got: fmt.Sprintf("%T", tc.Fn)}
			}
		}

		t.Run(tc.Description, func(t *testing.T) {
			err := run(ctx, func(ctx context.Context, s scenario.API[C]) error {
				return fn(ctx, s, t)
			})
			if err != nil {
				t.Errorf("scenario %q failed: %v\n%s", tc.Description, err, debug.Stack())
			}
		})

		return nil
	}
}
