package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/troupe-dev/troupe/pkg/backend"
	"github.com/troupe-dev/troupe/pkg/conductor"
	"github.com/troupe-dev/troupe/pkg/confgen"
	"github.com/troupe-dev/troupe/pkg/scenario"
	"github.com/troupe-dev/troupe/pkg/trycp"
)

// TrycpSpawner places players on remote hosts through their control servers.
// One control connection is dialed per endpoint and shared by every player
// placed there.
type TrycpSpawner struct {
	log  *slog.Logger
	opts conductor.Options

	mu      sync.Mutex
	clients map[string]*trycp.Client
}

// NewTrycpSpawner creates a spawner. opts is the template for every spawned
// conductor; its Terminate and Logger fields are filled in per player.
func NewTrycpSpawner(opts conductor.Options, log *slog.Logger) *TrycpSpawner {
	if log == nil {
		log = slog.Default()
	}
	return &TrycpSpawner{
		log:     log,
		opts:    opts,
		clients: make(map[string]*trycp.Client),
	}
}

func (s *TrycpSpawner) client(ctx context.Context, endpoint string) (*trycp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[endpoint]; ok {
		return c, nil
	}

	c, err := trycp.Dial(ctx, endpoint, s.log)
	if err != nil {
		return nil, err
	}
	s.clients[endpoint] = c
	return c, nil
}

// Spawn sets up the player on the endpoint's control server, uploads its
// configuration, starts the process, and returns an initialized conductor
// tunneled through the control connection.
func (s *TrycpSpawner) Spawn(ctx context.Context, endpoint, player string, cfg confgen.PlayerConfig) (*conductor.Conductor, error) {
	client, err := s.client(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	placement, err := client.Setup(ctx, player)
	if err != nil {
		return nil, err
	}
	if cfg.AdminPort == 0 {
		cfg.AdminPort = placement.AdminPort
	}
	if cfg.EnvironmentPath == "" {
		cfg.EnvironmentPath = placement.BaseDir
	}

	rendered, err := cfg.Render()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: render config for %s: %w", player, err)
	}
	if err := client.ConfigurePlayer(ctx, player, rendered); err != nil {
		return nil, err
	}
	if err := client.Spawn(ctx, player); err != nil {
		return nil, err
	}

	opts := s.opts
	opts.Logger = s.log.With("endpoint", endpoint)
	opts.Terminate = func(ctx context.Context, signal string) error {
		return client.Kill(ctx, player, signal)
	}

	cond := conductor.New(player, client.Backend(player), opts)
	if err := cond.Initialize(ctx); err != nil {
		if killErr := cond.Kill(ctx, ""); killErr != nil {
			s.log.Warn("killing player after failed initialize", "player", player, "error", killErr)
		}
		return nil, err
	}

	return cond, nil
}

// Close tears down every control connection this spawner dialed.
func (s *TrycpSpawner) Close() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*trycp.Client)
	s.mu.Unlock()

	var firstErr error
	for endpoint, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("orchestrator: close control connection to %s: %w", endpoint, err)
		}
	}
	return firstErr
}

var _ scenario.Spawner = (*TrycpSpawner)(nil)

// StartFunc launches a local conductor process for a player and returns the
// ports it listens on plus the callback that stops it again.
type StartFunc func(ctx context.Context, player string, cfg confgen.PlayerConfig) (backend.Local, conductor.TerminateFunc, error)

// LocalSpawner runs conductors as processes on this machine. How a process
// is actually launched is delegated to Start; the spawner handles config
// rendering and conductor wiring. The endpoint argument is ignored.
type LocalSpawner struct {
	Start StartFunc
	Opts  conductor.Options
	Log   *slog.Logger
}

// Spawn launches the player's process and returns an initialized conductor
// connected to it over local WebSockets.
func (s *LocalSpawner) Spawn(ctx context.Context, _, player string, cfg confgen.PlayerConfig) (*conductor.Conductor, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	local, terminate, err := s.Start(ctx, player, cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start local player %s: %w", player, err)
	}

	opts := s.Opts
	opts.Logger = log
	opts.Terminate = terminate

	cond := conductor.New(player, local, opts)
	if err := cond.Initialize(ctx); err != nil {
		if killErr := cond.Kill(ctx, ""); killErr != nil {
			log.Warn("killing player after failed initialize", "player", player, "error", killErr)
		}
		return nil, err
	}

	return cond, nil
}

var _ scenario.Spawner = (*LocalSpawner)(nil)
