package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-dev/troupe/pkg/backend"
	"github.com/troupe-dev/troupe/pkg/conductor"
	"github.com/troupe-dev/troupe/pkg/confgen"
)

// recordingSpawner hands out stub-backed conductors and remembers the order
// and placement of every spawn, plus every terminate.
type recordingSpawner struct {
	mu       sync.Mutex
	spawned  []string // "endpoint/player"
	killed   []string
	failFor  string
}

func (r *recordingSpawner) Spawn(_ context.Context, endpoint, player string, _ confgen.PlayerConfig) (*conductor.Conductor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if player == r.failFor {
		return nil, errors.New("spawner out of capacity")
	}
	r.spawned = append(r.spawned, endpoint+"/"+player)

	return conductor.New(player, backend.Stub{}, conductor.Options{
		Terminate: func(context.Context, string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.killed = append(r.killed, player)
			return nil
		},
	}), nil
}

func TestPlayersSpawnsDeterministically(t *testing.T) {
	sp := &recordingSpawner{}
	s := New("ordering", sp, nil)

	handles, err := s.Players(context.Background(), Machines{
		"m2": {"zoe": {}, "al": {}},
		"m1": {"bob": {}},
	})
	require.NoError(t, err)

	require.Len(t, handles, 3)
	assert.Equal(t, "bob", handles["bob"].Name())
	assert.Equal(t, []string{"m1/bob", "m2/al", "m2/zoe"}, sp.spawned)
}

func TestPlayersRejectsDuplicateAcrossMachines(t *testing.T) {
	sp := &recordingSpawner{}
	s := New("dup", sp, nil)

	_, err := s.Players(context.Background(), Machines{
		"m1": {"alice": {}},
		"m2": {"alice": {}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `player "alice" declared on more than one machine`)

	// The copy spawned on m1 was unwound.
	assert.Equal(t, []string{"alice"}, sp.killed)
}

func TestPlayersUnwindsOnSpawnFailure(t *testing.T) {
	sp := &recordingSpawner{failFor: "carol"}
	s := New("unwind", sp, nil)

	_, err := s.Players(context.Background(), Machines{
		"m1": {"alice": {}, "bob": {}, "carol": {}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawner out of capacity")

	assert.Equal(t, []string{"m1/alice", "m1/bob"}, sp.spawned)
	assert.ElementsMatch(t, []string{"alice", "bob"}, sp.killed)
}

func TestCloseKillsEveryPlayer(t *testing.T) {
	sp := &recordingSpawner{}
	s := New("close", sp, nil)

	_, err := s.Players(context.Background(), Machines{"m1": {"alice": {}, "bob": {}}})
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	assert.ElementsMatch(t, []string{"alice", "bob"}, sp.killed)

	// Close drains its list, so a second call is a no-op.
	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, sp.killed, 2)
}

// recordingTunnel is the minimal backend a conductor needs to install an app
// and answer zome calls, recording what it was asked.
type recordingTunnel struct {
	mu        sync.Mutex
	installed []string // app ids
	nicks     []string
	zomeCalls []string // "app-id cell-dna"
}

func (r *recordingTunnel) backend() backend.Tunneled {
	return backend.Tunneled{
		AdminCall: func(_ context.Context, method string, params any) (json.RawMessage, error) {
			switch method {
			case "attach_app_interface":
				return json.Marshal(map[string]uint16{"port": 7000})
			case "generate_agent_pub_key":
				return json.Marshal("agent")
			case "register_dna":
				if p, ok := params.(map[string]any); ok {
					if h, ok := p["hash"]; ok {
						return json.Marshal(fmt.Sprint(h))
					}
				}
				return json.Marshal("hash")
			case "install_app":
				raw, _ := json.Marshal(params)
				var req struct {
					ID    string `json:"installed_app_id"`
					Agent string `json:"agent_key"`
					DNAs  []struct {
						Hash string `json:"hash"`
						Nick string `json:"nick"`
					} `json:"dnas"`
				}
				_ = json.Unmarshal(raw, &req)

				r.mu.Lock()
				r.installed = append(r.installed, req.ID)
				cells := make([]map[string]any, 0, len(req.DNAs))
				for _, d := range req.DNAs {
					r.nicks = append(r.nicks, d.Nick)
					cells = append(cells, map[string]any{
						"cell_id":   map[string]string{"dna_hash": d.Hash, "agent_pub_key": req.Agent},
						"cell_nick": d.Nick,
					})
				}
				r.mu.Unlock()
				return json.Marshal(map[string]any{"cell_data": cells})
			case "enable_app":
				return json.Marshal(map[string]any{"errors": []string{}})
			default:
				return nil, fmt.Errorf("unknown admin method %q", method)
			}
		},
		AppCall: func(_ context.Context, _ uint16, method string, params any) (json.RawMessage, error) {
			if method != "call_zome" {
				return nil, fmt.Errorf("unknown app method %q", method)
			}
			raw, _ := json.Marshal(params)
			var call struct {
				Cell struct {
					Hash string `json:"dna_hash"`
				} `json:"cell_id"`
			}
			_ = json.Unmarshal(raw, &call)

			r.mu.Lock()
			r.zomeCalls = append(r.zomeCalls, call.Cell.Hash)
			r.mu.Unlock()
			return json.Marshal("ok")
		},
		ConnectAppPort:    func(context.Context, uint16) error { return nil },
		DisconnectAppPort: func(context.Context, uint16) error { return nil },
	}
}

func liveConductor(t *testing.T, tun *recordingTunnel) *conductor.Conductor {
	t.Helper()
	c := conductor.New("shared", tun.backend(), conductor.Options{})
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestScopedHandleQualifiesIdentifiers(t *testing.T) {
	ctx := context.Background()
	tun := &recordingTunnel{}
	base := NewPlayer("combined", liveConductor(t, tun), nil)

	alice := base.Scoped("alice")
	bob := base.Scoped("bob")
	assert.Same(t, base.Conductor(), alice.Conductor())

	_, err := alice.InstallApp(ctx, conductor.InstallAppRequest{
		DNAs: []conductor.DNASource{{Nick: "chat", Hash: "h1"}},
	})
	require.NoError(t, err)
	_, err = bob.InstallApp(ctx, conductor.InstallAppRequest{
		DNAs: []conductor.DNASource{{Nick: "chat", Hash: "h2"}},
	})
	require.NoError(t, err)

	// Identically-named apps and cells from two players never collide.
	assert.Equal(t, []string{"alice::app", "bob::app"}, tun.installed)
	assert.Equal(t, []string{"alice::chat", "bob::chat"}, tun.nicks)

	// Calls resolve through the caller's own namespace.
	res, err := alice.Call(ctx, "app", "chat", "zome", "fn", nil)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res))
	_, err = bob.Call(ctx, "app", "chat", "zome", "fn", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, tun.zomeCalls)
}

func TestExclusiveHandlePassesIdentifiersThrough(t *testing.T) {
	ctx := context.Background()
	tun := &recordingTunnel{}
	p := NewPlayer("alice", liveConductor(t, tun), nil)

	_, err := p.InstallApp(ctx, conductor.InstallAppRequest{
		AppID: "happ",
		DNAs:  []conductor.DNASource{{Nick: "chat", Hash: "h1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"happ"}, tun.installed)
	assert.Equal(t, []string{"chat"}, tun.nicks)
}

func TestWithBarrierCopiesHandle(t *testing.T) {
	ctx := context.Background()
	tun := &recordingTunnel{}
	p := NewPlayer("alice", liveConductor(t, tun), nil)

	_, err := p.InstallApp(ctx, conductor.InstallAppRequest{
		AppID: "happ",
		DNAs:  []conductor.DNASource{{Nick: "chat", Hash: "h1"}},
	})
	require.NoError(t, err)

	var waits int
	synced := p.WithBarrier(func(context.Context) error {
		waits++
		return nil
	})

	res, err := synced.CallSync(ctx, "happ", "chat", "zome", "fn", nil)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res))
	assert.Equal(t, 1, waits)

	// The original handle stays barrier-free.
	_, err = p.CallSync(ctx, "happ", "chat", "zome", "fn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no consistency barrier")
}

func TestBarrierFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	tun := &recordingTunnel{}
	p := NewPlayer("alice", liveConductor(t, tun), nil).WithBarrier(func(context.Context) error {
		return errors.New("network never settled")
	})

	_, err := p.InstallApp(ctx, conductor.InstallAppRequest{
		AppID: "happ",
		DNAs:  []conductor.DNASource{{Nick: "chat", Hash: "h1"}},
	})
	require.NoError(t, err)

	_, err = p.CallSync(ctx, "happ", "chat", "zome", "fn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network never settled")
}
