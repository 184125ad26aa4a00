package middleware

import (
	"context"
	"fmt"
	"sort"

	"github.com/troupe-dev/troupe/pkg/confgen"
	"github.com/troupe-dev/troupe/pkg/scenario"
)

// LocalEndpoint is the synthetic machine key LocalOnly wraps flat
// configurations under.
const LocalEndpoint = "local"

// combinedPlayer is the name of the one underlying player SingleConductor
// spawns.
const combinedPlayer = "combined"

// LocalOnly promotes a flat player-configuration map into a single-machine
// configuration map. It is a pure structural adapter with no process or
// network effect.
func LocalOnly() Middleware[scenario.Fn[scenario.Flat], scenario.Fn[scenario.Machines]] {
	return func(ctx context.Context, run Run[scenario.Fn[scenario.Machines]], f scenario.Fn[scenario.Flat]) error {
		return run(ctx, func(ctx context.Context, s scenario.API[scenario.Machines]) error {
			flat := scenario.Adapt[scenario.Flat](s,
				func(ctx context.Context, inner scenario.API[scenario.Machines], cfg scenario.Flat) (map[string]*scenario.Player, error) {
					return inner.Players(ctx, scenario.Machines{LocalEndpoint: cfg})
				})
			return f(ctx, flat)
		})
	}
}

// Allocator acquires machine endpoints for players.
type Allocator interface {
	Acquire(ctx context.Context) (endpoint string, err error)
}

// AllocatorFunc adapts a plain function to the Allocator interface.
type AllocatorFunc func(ctx context.Context) (string, error)

// Acquire calls the underlying function.
func (f AllocatorFunc) Acquire(ctx context.Context) (string, error) { return f(ctx) }

// MachinePerPlayer acquires one machine endpoint per declared player,
// independently, and passes the configurations onward keyed by endpoint.
// Players are allocated in name order so runs are deterministic.
func MachinePerPlayer(alloc Allocator) Middleware[scenario.Fn[scenario.Flat], scenario.Fn[scenario.Machines]] {
	return func(ctx context.Context, run Run[scenario.Fn[scenario.Machines]], f scenario.Fn[scenario.Flat]) error {
		return run(ctx, func(ctx context.Context, s scenario.API[scenario.Machines]) error {
			flat := scenario.Adapt[scenario.Flat](s,
				func(ctx context.Context, inner scenario.API[scenario.Machines], cfg scenario.Flat) (map[string]*scenario.Player, error) {
					names := make([]string, 0, len(cfg))
					for name := range cfg {
						names = append(names, name)
					}
					sort.Strings(names)

					machines := make(scenario.Machines)
					for _, name := range names {
						endpoint, err := alloc.Acquire(ctx)
						if err != nil {
							return nil, fmt.Errorf("middleware: allocate machine for player %q: %w", name, err)
						}
						if machines[endpoint] == nil {
							machines[endpoint] = make(scenario.Flat)
						}
						machines[endpoint][name] = cfg[name]
					}

					return inner.Players(ctx, machines)
				})
			return f(ctx, flat)
		})
	}
}

// SingleConductor collapses a multi-player configuration into one process:
// every declared player's configuration is merged into one combined document,
// exactly one conductor is spawned, and each returned handle is namespace-
// qualified by its player name. Per-player spawn and kill are disabled on the
// returned handles because there is only one underlying process.
func SingleConductor() Middleware[scenario.Fn[scenario.Flat], scenario.Fn[scenario.Flat]] {
	return func(ctx context.Context, run Run[scenario.Fn[scenario.Flat]], f scenario.Fn[scenario.Flat]) error {
		return run(ctx, func(ctx context.Context, s scenario.API[scenario.Flat]) error {
			flattened := scenario.Adapt[scenario.Flat](s,
				func(ctx context.Context, inner scenario.API[scenario.Flat], cfg scenario.Flat) (map[string]*scenario.Player, error) {
					merged, err := confgen.Merge(cfg)
					if err != nil {
						return nil, fmt.Errorf("middleware: combine player configs: %w", err)
					}

					handles, err := inner.Players(ctx, scenario.Flat{combinedPlayer: merged})
					if err != nil {
						return nil, err
					}

					combined, ok := handles[combinedPlayer]
					if !ok {
						return nil, fmt.Errorf("middleware: runner returned no handle for the combined conductor")
					}

					out := make(map[string]*scenario.Player, len(cfg))
					for name := range cfg {
						out[name] = combined.Scoped(name)
					}
					return out, nil
				})
			return f(ctx, flattened)
		})
	}
}

// CallSync attaches a consistency barrier to every player handle: their
// CallSync waits, after the underlying call resolves, for propagated state
// to settle before returning.
func CallSync[C any](barrier scenario.Barrier) Middleware[scenario.Fn[C], scenario.Fn[C]] {
	return func(ctx context.Context, run Run[scenario.Fn[C]], f scenario.Fn[C]) error {
		return run(ctx, func(ctx context.Context, s scenario.API[C]) error {
			synced := scenario.Adapt[C](s,
				func(ctx context.Context, inner scenario.API[C], cfg C) (map[string]*scenario.Player, error) {
					handles, err := inner.Players(ctx, cfg)
					if err != nil {
						return nil, err
					}

					out := make(map[string]*scenario.Player, len(handles))
					for name, p := range handles {
						out[name] = p.WithBarrier(barrier)
					}
					return out, nil
				})
			return f(ctx, synced)
		})
	}
}
