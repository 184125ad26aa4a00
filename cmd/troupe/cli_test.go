package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl is a minimal control server answering the framed protocol.
type fakeControl struct {
	srv *httptest.Server

	mu      sync.Mutex
	calls   []string
	configs map[string]string
}

func newFakeControl(t *testing.T) *fakeControl {
	fc := &fakeControl{configs: make(map[string]string)}

	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}

			var env struct {
				Type string          `json:"type"`
				ID   uint64          `json:"id"`
				Data json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(data, &env))

			var inner struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(env.Data, &inner))

			fc.mu.Lock()
			fc.calls = append(fc.calls, inner.Type)
			fc.mu.Unlock()

			result := fc.handle(inner.Type, inner.Data)
			payload, _ := json.Marshal(map[string]any{"type": inner.Type, "data": result})
			out, _ := json.Marshal(map[string]any{"type": "response", "id": env.ID, "data": json.RawMessage(payload)})
			_ = conn.Write(context.Background(), websocket.MessageText, out)
		}
	}))
	t.Cleanup(fc.srv.Close)

	return fc
}

func (fc *fakeControl) handle(method string, params json.RawMessage) json.RawMessage {
	switch method {
	case "setup":
		return json.RawMessage(`{"admin_port":35100,"base_dir":"/tmp/players/alice"}`)
	case "configure_player":
		var req struct {
			ID     string `json:"id"`
			Config string `json:"partial_config"`
		}
		_ = json.Unmarshal(params, &req)
		fc.mu.Lock()
		fc.configs[req.ID] = req.Config
		fc.mu.Unlock()
		return json.RawMessage(`null`)
	default:
		return json.RawMessage(`null`)
	}
}

func (fc *fakeControl) callSequence() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]string, len(fc.calls))
	copy(out, fc.calls)
	return out
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, Version)
}

func TestPingCommand(t *testing.T) {
	fc := newFakeControl(t)

	stdout, err := executeCLI(t, "ping", "alice", "--server", fc.srv.URL, "--env-file", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "alice is alive")
	assert.Equal(t, []string{"ping"}, fc.callSequence())
}

func TestSpawnCommandUploadsAssignedPlacement(t *testing.T) {
	fc := newFakeControl(t)

	stdout, err := executeCLI(t, "spawn", "alice", "--server", fc.srv.URL, "--env-file", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "alice started (admin port 35100)")
	assert.Equal(t, []string{"setup", "configure_player", "startup"}, fc.callSequence())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Contains(t, fc.configs["alice"], "admin_port = 35100")
	assert.Contains(t, fc.configs["alice"], "/tmp/players/alice")
}

func TestSpawnCommandUploadsGivenConfig(t *testing.T) {
	fc := newFakeControl(t)

	path := filepath.Join(t.TempDir(), "player.toml")
	require.NoError(t, os.WriteFile(path, []byte("admin_port = 4444\n"), 0o600))

	_, err := executeCLI(t, "spawn", "alice",
		"--server", fc.srv.URL,
		"--player-config", path,
		"--env-file", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, "admin_port = 4444\n", fc.configs["alice"])
}

func TestKillCommand(t *testing.T) {
	fc := newFakeControl(t)

	stdout, err := executeCLI(t, "kill", "alice", "--server", fc.srv.URL, "--signal", "SIGTERM", "--env-file", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "alice stopped")
	assert.Equal(t, []string{"shutdown"}, fc.callSequence())
}

func TestSpawnRejectsInvalidRunConfig(t *testing.T) {
	fc := newFakeControl(t)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call_timeout_ms: -1\n"), 0o600))

	_, err := executeCLI(t, "spawn", "alice",
		"--server", fc.srv.URL,
		"--config", path,
		"--env-file", filepath.Join(t.TempDir(), ".env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}
