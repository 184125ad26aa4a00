// Package scenario defines the object handed to scenario authors. A scenario
// declares the players it needs as configuration documents; Players turns
// those declarations into live conductors and returns one handle per player.
// The API is generic over the configuration shape so orchestration
// middlewares can adapt what authors write onto what the runner executes.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/troupe-dev/troupe/pkg/conductor"
	"github.com/troupe-dev/troupe/pkg/confgen"
)

// Flat maps player names to their configurations.
type Flat = map[string]confgen.PlayerConfig

// Machines maps machine endpoints to the players placed on them.
type Machines = map[string]Flat

// API is what a scenario function receives. C is the configuration shape the
// function declares players with.
type API[C any] interface {
	Description() string
	Players(ctx context.Context, cfg C) (map[string]*Player, error)
}

// Fn is a scenario function over configuration shape C.
type Fn[C any] func(ctx context.Context, s API[C]) error

// Barrier awaits a network-consistency barrier: it returns once state
// propagated by earlier calls has settled across participating cells.
type Barrier func(ctx context.Context) error

// Spawner creates one live conductor for a player placed on an endpoint.
type Spawner interface {
	Spawn(ctx context.Context, endpoint, player string, cfg confgen.PlayerConfig) (*conductor.Conductor, error)
}

// SpawnerFunc adapts a plain function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, endpoint, player string, cfg confgen.PlayerConfig) (*conductor.Conductor, error)

// Spawn calls the underlying function.
func (f SpawnerFunc) Spawn(ctx context.Context, endpoint, player string, cfg confgen.PlayerConfig) (*conductor.Conductor, error) {
	return f(ctx, endpoint, player, cfg)
}

// Scenario is the root API implementation over machine-shaped
// configurations. It tracks every player it spawned so Close can tear the
// whole run down.
type Scenario struct {
	description string
	spawner     Spawner
	log         *slog.Logger

	mu      sync.Mutex
	players []*Player
}

// New creates a Scenario. The spawner decides how a declared player becomes
// a live conductor.
func New(description string, spawner Spawner, log *slog.Logger) *Scenario {
	if log == nil {
		log = slog.Default()
	}

	return &Scenario{
		description: description,
		spawner:     spawner,
		log:         log.With("scenario", description),
	}
}

// Description returns the scenario's registered description.
func (s *Scenario) Description() string { return s.description }

// Players spawns one conductor per declared player and returns the handles
// keyed by player name. Endpoints and players are brought up in sorted order
// so runs are deterministic; on any failure, players spawned so far are
// killed before the error is returned.
func (s *Scenario) Players(ctx context.Context, cfg Machines) (map[string]*Player, error) {
	handles := make(map[string]*Player)

	endpoints := make([]string, 0, len(cfg))
	for endpoint := range cfg {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)

	for _, endpoint := range endpoints {
		flat := cfg[endpoint]

		names := make([]string, 0, len(flat))
		for name := range flat {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if _, dup := handles[name]; dup {
				s.killPlayers(ctx, handles)
				return nil, fmt.Errorf("scenario %q: player %q declared on more than one machine", s.description, name)
			}

			cond, err := s.spawner.Spawn(ctx, endpoint, name, flat[name])
			if err != nil {
				s.killPlayers(ctx, handles)
				return nil, fmt.Errorf("scenario %q: spawn player %q on %s: %w", s.description, name, endpoint, err)
			}

			p := NewPlayer(name, cond, s.log)
			handles[name] = p

			s.mu.Lock()
			s.players = append(s.players, p)
			s.mu.Unlock()
		}
	}

	return handles, nil
}

func (s *Scenario) killPlayers(ctx context.Context, handles map[string]*Player) {
	for _, p := range handles {
		if err := p.Kill(ctx, ""); err != nil {
			s.log.Warn("killing player during unwind failed", "player", p.Name(), "error", err)
		}
	}
}

// Close kills every player this scenario spawned. It is safe to call after a
// partial or failed run.
func (s *Scenario) Close(ctx context.Context) error {
	s.mu.Lock()
	players := s.players
	s.players = nil
	s.mu.Unlock()

	var firstErr error
	for _, p := range players {
		if err := p.conductor.Kill(ctx, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Adapt wraps an inner API with a different configuration shape. The
// description passes through; Players is replaced by the given function,
// which typically reshapes the config and delegates to the inner API.
func Adapt[A, B any](inner API[B], players func(ctx context.Context, inner API[B], cfg A) (map[string]*Player, error)) API[A] {
	return &adapted[A, B]{inner: inner, players: players}
}

type adapted[A, B any] struct {
	inner   API[B]
	players func(ctx context.Context, inner API[B], cfg A) (map[string]*Player, error)
}

func (a *adapted[A, B]) Description() string { return a.inner.Description() }

func (a *adapted[A, B]) Players(ctx context.Context, cfg A) (map[string]*Player, error) {
	return a.players(ctx, a.inner, cfg)
}

// Player is one scenario participant's handle onto its conductor. A handle
// may share a conductor with other players (single-process flattening), in
// which case every identifier it touches is namespace-qualified by the
// player name and per-player lifecycle operations are disabled.
type Player struct {
	name      string
	conductor *conductor.Conductor
	log       *slog.Logger

	shared  bool
	barrier Barrier
}

// NewPlayer wraps a conductor in a player handle. Most callers get handles
// from Players; this exists for custom runners and tests.
func NewPlayer(name string, c *conductor.Conductor, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	return &Player{name: name, conductor: c, log: log.With("player", name)}
}

// Name returns the player name.
func (p *Player) Name() string { return p.name }

// Conductor exposes the underlying conductor.
func (p *Player) Conductor() *conductor.Conductor { return p.conductor }

// Scoped returns a handle for another player name sharing this player's
// conductor. The returned handle qualifies every identifier and has
// lifecycle operations disabled.
func (p *Player) Scoped(name string) *Player {
	return &Player{
		name:      name,
		conductor: p.conductor,
		log:       p.log.With("player", name),
		shared:    true,
		barrier:   p.barrier,
	}
}

// WithBarrier returns a copy of the handle whose CallSync awaits the given
// consistency barrier.
func (p *Player) WithBarrier(b Barrier) *Player {
	clone := *p
	clone.barrier = b
	return &clone
}

// qualify namespaces an identifier when the conductor is shared.
func (p *Player) qualify(id string) string {
	if !p.shared {
		return id
	}
	return confgen.Qualify(p.name, id)
}

// InstallApp installs an app for this player. On a shared conductor the app
// id and every cell nickname are qualified by the player name, so two
// players installing identically-named apps never collide.
func (p *Player) InstallApp(ctx context.Context, req conductor.InstallAppRequest) (conductor.InstalledApp, error) {
	if p.shared {
		if req.AppID == "" {
			req.AppID = "app"
		}
		req.AppID = confgen.Qualify(p.name, req.AppID)

		dnas := make([]conductor.DNASource, len(req.DNAs))
		copy(dnas, req.DNAs)
		for i := range dnas {
			dnas[i].Nick = confgen.Qualify(p.name, dnas[i].Nick)
		}
		req.DNAs = dnas
	}

	return p.conductor.InstallApp(ctx, req)
}

// Call invokes a zome function on one of this player's cells.
func (p *Player) Call(ctx context.Context, appID, cellNick, zome, fn string, payload any) (json.RawMessage, error) {
	return p.conductor.CallZome(ctx, p.qualify(appID), p.qualify(cellNick), zome, fn, payload)
}

// CallSync invokes a zome function and then awaits the consistency barrier
// before returning, giving callers a call-then-wait-for-propagation
// primitive. It fails if no barrier was attached.
func (p *Player) CallSync(ctx context.Context, appID, cellNick, zome, fn string, payload any) (json.RawMessage, error) {
	if p.barrier == nil {
		return nil, fmt.Errorf("scenario: player %q has no consistency barrier attached", p.name)
	}

	res, err := p.Call(ctx, appID, cellNick, zome, fn, payload)
	if err != nil {
		return nil, err
	}

	if err := p.barrier(ctx); err != nil {
		return nil, fmt.Errorf("scenario: player %q: consistency barrier: %w", p.name, err)
	}

	return res, nil
}

// AdminCall forwards a named method to the player's admin channel.
func (p *Player) AdminCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return p.conductor.AdminCall(ctx, method, params)
}

// Kill tears down this player's conductor. Disabled on shared conductors:
// there is only one underlying process.
func (p *Player) Kill(ctx context.Context, signal string) error {
	if p.shared {
		return &conductor.UnsupportedOperationError{
			Op:     "player kill",
			Reason: "disabled by the single-conductor policy",
		}
	}
	return p.conductor.Kill(ctx, signal)
}

// Spawn is disabled on shared conductors for the same reason as Kill. On an
// exclusive handle the conductor was already spawned by Players, so this
// only reports misuse.
func (p *Player) Spawn(context.Context) error {
	if p.shared {
		return &conductor.UnsupportedOperationError{
			Op:     "player spawn",
			Reason: "disabled by the single-conductor policy",
		}
	}
	return fmt.Errorf("scenario: player %q is already spawned", p.name)
}
