// Package conductor manages the lifecycle of one conductor process: connect
// its admin and app control channels, install and enable apps, route
// zome-function calls through the dispatcher, and tear everything down. A
// Conductor owns exactly one backend strategy for its lifetime and is
// destroyed on kill; re-using a name means creating a fresh Conductor with a
// fresh install index.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/troupe-dev/troupe/pkg/backend"
	"github.com/troupe-dev/troupe/pkg/dispatch"
	"github.com/troupe-dev/troupe/pkg/wire"
)

// State is the conductor lifecycle state. Killed is terminal.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateKilled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("conductor.State(%d)", int(s))
	}
}

// Options configures a Conductor.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Dispatch configures the call dispatcher (timeouts, diagnostics).
	Dispatch dispatch.Options
	// DumpStateOnTimeout enables the diagnostic state dump when a zome
	// call exceeds its hard deadline.
	DumpStateOnTimeout bool
	// OnActivity is invoked after every successful interaction, letting
	// callers reset external liveness timers.
	OnActivity func()
	// OnSignal receives signal payloads of kinds the conductor does not
	// act on itself.
	OnSignal wire.SignalHandler
	// Terminate is the external process-termination callback awaited by
	// Kill.
	Terminate TerminateFunc
	// Provenance picks the provenance key for zome calls. Defaults to
	// SelfProvenance.
	Provenance ProvenancePolicy
	// DisableAdmin permanently disables admin calls (legacy read-only
	// mode); AdminCall then fails with UnsupportedOperationError.
	DisableAdmin bool
}

// Conductor is one managed runtime process reachable through its admin and
// app channels.
type Conductor struct {
	name       string
	strategy   backend.Strategy
	log        *slog.Logger
	dispatcher *dispatch.Dispatcher

	onActivity   func()
	onSignal     wire.SignalHandler
	terminate    TerminateFunc
	provenance   ProvenancePolicy
	disableAdmin bool

	mu        sync.Mutex
	state     State
	admin     Channel
	app       Channel
	appPort   uint16
	cells      map[string]map[string]Cell // app id → nick → cell
	installing map[string]struct{}        // app ids reserved by in-flight installs
	release    func() error               // signal subscription release
	appSerial  int

	consistencyMu      sync.Mutex
	consistencySignals int
}

// New creates a Conductor in the Uninitialized state. The strategy is owned
// by the conductor for its whole lifetime.
func New(name string, strategy backend.Strategy, opts Options) *Conductor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("conductor", name)

	provenance := opts.Provenance
	if provenance == nil {
		provenance = SelfProvenance
	}

	c := &Conductor{
		name:         name,
		strategy:     strategy,
		log:          log,
		onActivity:   opts.OnActivity,
		onSignal:     opts.OnSignal,
		terminate:    opts.Terminate,
		provenance:   provenance,
		disableAdmin: opts.DisableAdmin,
		state:        StateUninitialized,
		cells:        make(map[string]map[string]Cell),
		installing:   make(map[string]struct{}),
	}

	dispatchOpts := opts.Dispatch
	if opts.DumpStateOnTimeout && dispatchOpts.Dump == nil {
		dispatchOpts.Dump = c.dumpState
	}
	if dispatchOpts.Logger == nil {
		dispatchOpts.Logger = log
	}
	c.dispatcher = dispatch.New(dispatchOpts)

	return c
}

// Name returns the conductor's name.
func (c *Conductor) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conductor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Backend returns the owned backend strategy.
func (c *Conductor) Backend() backend.Strategy { return c.strategy }

// Initialize establishes the admin and app channels. It is valid only from
// the Uninitialized state. On failure the conductor stays killable: whatever
// channel was established is retained so Kill can close it.
func (c *Conductor) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		have := c.state
		c.mu.Unlock()
		return &StateError{Op: "initialize", Have: have, Want: StateUninitialized}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	var err error
	switch s := c.strategy.(type) {
	case backend.Local:
		err = c.initializeLocal(ctx, s)
	case backend.Tunneled:
		err = c.initializeTunneled(ctx, s)
	case backend.Stub:
		err = ErrStubBackend
	default:
		panic("conductor: unreachable backend kind " + c.strategy.Kind().String())
	}

	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Killed while the channels were coming up. That Kill already ran
		// its teardown against whatever was stored at the time, so close
		// what this setup created afterwards and stay killed.
		have := c.state
		app, admin, release := c.app, c.admin, c.release
		c.app, c.admin, c.release = nil, nil, nil
		c.mu.Unlock()

		c.closeChannels(app, admin, release)
		return &StateError{Op: "initialize", Have: have, Want: StateConnecting}
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("conductor connected", "backend", c.strategy.Kind().String())
	c.touch()

	return nil
}

func (c *Conductor) initializeLocal(ctx context.Context, s backend.Local) error {
	adminClient, err := wire.Dial(ctx, s.AdminURL(), &wire.DialOptions{Logger: c.log})
	if err != nil {
		return &ConnectionError{Conductor: c.name, Channel: "admin", Err: err}
	}

	c.mu.Lock()
	c.admin = adminClient
	c.mu.Unlock()

	// Port zero asks the conductor for any free port.
	port, err := c.attachAppInterface(ctx, adminClient, s.AppPort)
	if err != nil {
		return &ConnectionError{Conductor: c.name, Channel: "app", Err: err}
	}

	appClient, err := wire.Dial(ctx, s.AppURL(port), &wire.DialOptions{Logger: c.log})
	if err != nil {
		return &ConnectionError{Conductor: c.name, Channel: "app", Err: err}
	}

	sub, err := appClient.SubscribeSignals(c.handleSignal)
	if err != nil {
		_ = appClient.Close()
		return &ConnectionError{Conductor: c.name, Channel: "app", Err: err}
	}

	c.mu.Lock()
	c.app = appClient
	c.appPort = port
	c.release = func() error {
		sub.Cancel()
		return nil
	}
	c.mu.Unlock()

	return nil
}

func (c *Conductor) initializeTunneled(ctx context.Context, s backend.Tunneled) error {
	admin := &tunnelAdminChannel{call: s.AdminCall}

	c.mu.Lock()
	c.admin = admin
	c.mu.Unlock()

	port, err := c.attachAppInterface(ctx, admin, 0)
	if err != nil {
		return &ConnectionError{Conductor: c.name, Channel: "app", Err: err}
	}

	if err := s.ConnectAppPort(ctx, port); err != nil {
		return &ConnectionError{Conductor: c.name, Channel: "app", Err: err}
	}

	if s.SubscribeSignals != nil {
		if err := s.SubscribeSignals(ctx, port, c.handleSignal); err != nil {
			return &ConnectionError{Conductor: c.name, Channel: "app", Err: err}
		}
	}

	c.mu.Lock()
	c.app = &tunnelAppChannel{call: s.AppCall, port: port, disconnect: s.DisconnectAppPort}
	c.appPort = port
	if s.UnsubscribeSignals != nil {
		unsubscribe := s.UnsubscribeSignals
		c.release = func() error {
			return unsubscribe(context.Background(), port)
		}
	}
	c.mu.Unlock()

	return nil
}

// attachAppInterface asks the conductor to open an app interface and returns
// the port it is listening on.
func (c *Conductor) attachAppInterface(ctx context.Context, admin Channel, port uint16) (uint16, error) {
	res, err := admin.Call(ctx, "attach_app_interface", map[string]any{"port": port})
	if err != nil {
		return 0, fmt.Errorf("attach app interface: %w", err)
	}

	var attached struct {
		Port uint16 `json:"port"`
	}
	if err := json.Unmarshal(res, &attached); err != nil {
		return 0, fmt.Errorf("attach app interface: parse response: %w", err)
	}

	return attached.Port, nil
}

// AdminCall forwards a named method to the admin channel.
func (c *Conductor) AdminCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.disableAdmin {
		return nil, &UnsupportedOperationError{Op: "admin call", Reason: "disabled in legacy protocol mode"}
	}

	c.mu.Lock()
	admin := c.admin
	state := c.state
	c.mu.Unlock()

	if admin == nil || state == StateKilled {
		return nil, &StateError{Op: "admin call", Have: state, Want: StateConnected}
	}

	res, err := admin.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	c.touch()
	return res, nil
}

// CallZome resolves (appID, cellNick) through the install index and issues
// the zome-function call over the app channel under the dispatcher's timeout
// policy.
func (c *Conductor) CallZome(ctx context.Context, appID, cellNick, zome, fn string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	cell, ok := c.cells[appID][cellNick]
	app := c.app
	state := c.state
	c.mu.Unlock()

	if !ok {
		return nil, &UnknownCellError{Conductor: c.name, AppID: appID, CellNick: cellNick}
	}

	if app == nil || state != StateConnected {
		return nil, &StateError{Op: "zome call", Have: state, Want: StateConnected}
	}

	params := map[string]any{
		"cell_id":    cell.ID,
		"zome_name":  zome,
		"fn_name":    fn,
		"cap_secret": nil,
		"payload":    payload,
		"provenance": c.provenance(cell),
	}

	spec := dispatch.CallSpec{Conductor: c.name, AppID: appID, CellNick: cellNick, Zome: zome, Fn: fn}

	res, err := c.dispatcher.Call(ctx, app, spec, "call_zome", params)
	if err != nil {
		return nil, err
	}

	c.touch()
	return res, nil
}

// GenerateAgentKey asks the admin interface for a fresh agent key.
func (c *Conductor) GenerateAgentKey(ctx context.Context) (AgentPubKey, error) {
	res, err := c.AdminCall(ctx, "generate_agent_pub_key", nil)
	if err != nil {
		return "", err
	}

	var key AgentPubKey
	if err := json.Unmarshal(res, &key); err != nil {
		return "", fmt.Errorf("conductor: parse agent key: %w", err)
	}

	return key, nil
}

// ListApps returns the raw list of installed apps, optionally filtered by
// status.
func (c *Conductor) ListApps(ctx context.Context, statusFilter string) (json.RawMessage, error) {
	params := map[string]any{}
	if statusFilter != "" {
		params["status_filter"] = statusFilter
	}
	return c.AdminCall(ctx, "list_apps", params)
}

// dumpState backs the dispatcher's diagnostic capture. It bypasses the
// legacy-mode admin gate deliberately: diagnostics are read-only and their
// failure is swallowed by the dispatcher anyway.
func (c *Conductor) dumpState(ctx context.Context, spec dispatch.CallSpec) (json.RawMessage, error) {
	c.mu.Lock()
	admin := c.admin
	cell, found := c.cells[spec.AppID][spec.CellNick]
	c.mu.Unlock()

	if admin == nil {
		return nil, fmt.Errorf("conductor %s: no admin channel for state dump", c.name)
	}
	if !found {
		return nil, fmt.Errorf("conductor %s: no cell %s/%q for state dump", c.name, spec.AppID, spec.CellNick)
	}

	return admin.Call(ctx, "dump_state", map[string]any{"cell_id": cell.ID})
}

// Kill tears the conductor down: app channel first, then the signal
// subscription, then the admin channel, then the external termination
// callback. It is idempotent and never fails on channels that were never
// opened.
func (c *Conductor) Kill(ctx context.Context, signal string) error {
	c.mu.Lock()
	if c.state == StateKilled {
		c.mu.Unlock()
		return nil
	}
	c.state = StateKilled
	app := c.app
	admin := c.admin
	release := c.release
	c.app = nil
	c.admin = nil
	c.release = nil
	c.mu.Unlock()

	c.closeChannels(app, admin, release)

	if c.terminate != nil {
		if err := c.terminate(ctx, signal); err != nil {
			return fmt.Errorf("conductor %s: terminate: %w", c.name, err)
		}
	}

	c.log.Info("conductor killed", "signal", signal)

	return nil
}

// closeChannels releases the signal subscription and closes the app then
// admin channels, logging failures.
func (c *Conductor) closeChannels(app, admin Channel, release func() error) {
	if release != nil {
		if err := release(); err != nil {
			c.log.Warn("releasing signal subscription failed", "error", err)
		}
	}

	if app != nil {
		if err := app.Close(); err != nil {
			c.log.Warn("closing app channel failed", "error", err)
		}
	}

	if admin != nil {
		if err := admin.Close(); err != nil {
			c.log.Warn("closing admin channel failed", "error", err)
		}
	}
}

// handleSignal routes an incoming signal payload. Only the consistency kind
// is acted on here; everything else goes to the caller's handler, or is
// dropped if none is set.
func (c *Conductor) handleSignal(data json.RawMessage) {
	var sig struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		c.log.Warn("dropping unparseable signal", "error", err)
		return
	}

	if sig.Kind == "consistency" {
		c.consistencyMu.Lock()
		c.consistencySignals++
		c.consistencyMu.Unlock()
		return
	}

	if c.onSignal != nil {
		c.onSignal(data)
	}
}

// ConsistencySignals returns how many consistency signals have been observed
// since the conductor connected.
func (c *Conductor) ConsistencySignals() int {
	c.consistencyMu.Lock()
	defer c.consistencyMu.Unlock()
	return c.consistencySignals
}

// touch fires the activity callback if one was configured.
func (c *Conductor) touch() {
	if c.onActivity != nil {
		c.onActivity()
	}
}

// nextAppID derives an app id for installs that did not supply one.
func (c *Conductor) nextAppID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.appSerial++
	return fmt.Sprintf("%s-app-%d", c.name, c.appSerial)
}
