// Package dispatch serializes zome-function calls over a control channel and
// enforces the two-stage timeout policy: a soft deadline that logs a
// still-waiting warning while letting the call continue, and a hard deadline
// that abandons the call. The race between "response arrived" and "deadline
// elapsed" is settled exactly once; whichever loses is a no-op, so a late
// response can never resolve an already-settled call.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout is the hard deadline applied when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Caller issues one named method over a control channel.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// CallSpec identifies the target of a zome-function call, for timeout
// reporting and diagnostics.
type CallSpec struct {
	Conductor string
	AppID     string
	CellNick  string
	Zome      string
	Fn        string
}

// TimeoutError reports that a call exceeded its hard deadline.
type TimeoutError struct {
	Conductor string
	CellNick  string
	Zome      string
	Fn        string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dispatch: zome call timed out after %s: %s/%s/%s.%s",
		e.Elapsed.Round(time.Millisecond), e.Conductor, e.CellNick, e.Zome, e.Fn)
}

// DumpFunc captures diagnostic state for the call's target when the hard
// deadline fires. A failure here is logged and discarded, never propagated.
type DumpFunc func(ctx context.Context, spec CallSpec) (json.RawMessage, error)

// Options configures a Dispatcher.
type Options struct {
	// Timeout is the hard deadline. Zero means DefaultTimeout.
	Timeout time.Duration
	// SoftTimeout is the warning deadline. Zero means half of Timeout.
	SoftTimeout time.Duration
	// Dump, when non-nil, is invoked on hard-deadline expiry before the
	// timeout error is returned.
	Dump DumpFunc
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher applies timeout policy and diagnostic capture to calls. It
// imposes no per-conductor lock; any number of calls may be in flight at
// once, and response ordering is the channel's concern.
type Dispatcher struct {
	timeout time.Duration
	soft    time.Duration
	dump    DumpFunc
	log     *slog.Logger
}

// New creates a Dispatcher from the given options.
func New(opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	soft := opts.SoftTimeout
	if soft == 0 {
		soft = timeout / 2
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		timeout: timeout,
		soft:    soft,
		dump:    opts.Dump,
		log:     log,
	}
}

// Timeout returns the hard deadline.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Call issues the method over ch and waits for it under the timeout policy.
// Calls are never implicitly retried; that is the caller's responsibility.
func (d *Dispatcher) Call(ctx context.Context, ch Caller, spec CallSpec, method string, params any) (json.RawMessage, error) {
	start := time.Now()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		data json.RawMessage
		err  error
	}

	// Buffered so a late completion after abandonment parks harmlessly.
	resCh := make(chan outcome, 1)
	go func() {
		data, err := ch.Call(callCtx, method, params)
		resCh <- outcome{data: data, err: err}
	}()

	soft := time.NewTimer(d.soft)
	defer soft.Stop()
	hard := time.NewTimer(d.timeout)
	defer hard.Stop()

	for {
		select {
		case out := <-resCh:
			return out.data, out.err

		case <-soft.C:
			d.log.Warn("dispatch: zome call still waiting",
				"conductor", spec.Conductor,
				"app", spec.AppID,
				"cell", spec.CellNick,
				"zome", spec.Zome,
				"fn", spec.Fn,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)

		case <-hard.C:
			elapsed := time.Since(start)
			cancel()
			d.captureDiagnostics(ctx, spec)
			return nil, &TimeoutError{
				Conductor: spec.Conductor,
				CellNick:  spec.CellNick,
				Zome:      spec.Zome,
				Fn:        spec.Fn,
				Elapsed:   elapsed,
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// captureDiagnostics attempts a state dump for the call's target and logs
// whatever it gets. Dump failures are logged, not raised.
func (d *Dispatcher) captureDiagnostics(ctx context.Context, spec CallSpec) {
	if d.dump == nil {
		return
	}

	dumpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	state, err := d.dump(dumpCtx, spec)
	if err != nil {
		d.log.Warn("dispatch: state dump after timeout failed",
			"conductor", spec.Conductor,
			"app", spec.AppID,
			"cell", spec.CellNick,
			"error", err,
		)
		return
	}

	d.log.Warn("dispatch: state dump after timeout",
		"conductor", spec.Conductor,
		"app", spec.AppID,
		"cell", spec.CellNick,
		"state", string(state),
	)
}
