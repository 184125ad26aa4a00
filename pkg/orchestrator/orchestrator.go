// Package orchestrator runs registered scenarios through a middleware chain.
// Each scenario gets a fresh Scenario object backed by the orchestrator's
// spawner, and every run is torn down afterwards whether it passed or not.
// One scenario failing never stops its siblings.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/troupe-dev/troupe/pkg/middleware"
	"github.com/troupe-dev/troupe/pkg/scenario"
)

// Report is the outcome of one registered scenario.
type Report struct {
	Description string
	Err         error
	Elapsed     time.Duration
}

// Failed reports whether the scenario errored.
func (r Report) Failed() bool { return r.Err != nil }

// Orchestrator executes scenarios of shape A. The middleware chain adapts
// what was registered onto the machine-shaped runner at the bottom.
type Orchestrator[A any] struct {
	mw      middleware.Middleware[A, scenario.Fn[scenario.Machines]]
	spawner scenario.Spawner
	log     *slog.Logger

	mu    sync.Mutex
	cases []registration[A]
}

type registration[A any] struct {
	description string
	f           A
}

// New creates an orchestrator. The middleware decides how registered
// scenarios map onto live conductors; the spawner decides where conductors
// come from.
func New[A any](mw middleware.Middleware[A, scenario.Fn[scenario.Machines]], spawner scenario.Spawner, log *slog.Logger) *Orchestrator[A] {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator[A]{mw: mw, spawner: spawner, log: log}
}

// Register queues a scenario for the next Run. Registration order is
// execution order.
func (o *Orchestrator[A]) Register(description string, f A) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cases = append(o.cases, registration[A]{description: description, f: f})
}

// Run executes every registered scenario in order and returns one report
// per scenario. A failed or panicking scenario is reported and the rest
// keep running.
func (o *Orchestrator[A]) Run(ctx context.Context) []Report {
	o.mu.Lock()
	cases := make([]registration[A], len(o.cases))
	copy(cases, o.cases)
	o.mu.Unlock()

	reports := make([]Report, 0, len(cases))
	for _, reg := range cases {
		start := time.Now()
		err := o.runOne(ctx, reg)
		elapsed := time.Since(start)

		if err != nil {
			o.log.Error("scenario failed", "scenario", reg.description, "elapsed", elapsed, "error", err)
		} else {
			o.log.Info("scenario passed", "scenario", reg.description, "elapsed", elapsed)
		}

		reports = append(reports, Report{Description: reg.description, Err: err, Elapsed: elapsed})
	}

	return reports
}

func (o *Orchestrator[A]) runOne(ctx context.Context, reg registration[A]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator: scenario %q panicked: %v\n%s", reg.description, r, debug.Stack())
		}
	}()

	return o.mw(ctx, o.base(reg.description), reg.f)
}

// base is the bottom of the middleware chain: it realizes the scenario
// against a fresh Scenario and tears everything down afterwards, even when
// the surrounding context was already cancelled.
func (o *Orchestrator[A]) base(description string) middleware.Run[scenario.Fn[scenario.Machines]] {
	return func(ctx context.Context, g scenario.Fn[scenario.Machines]) error {
		s := scenario.New(description, o.spawner, o.log)
		defer func() {
			if err := s.Close(context.WithoutCancel(ctx)); err != nil {
				o.log.Warn("scenario teardown failed", "scenario", description, "error", err)
			}
		}()

		return g(ctx, s)
	}
}
