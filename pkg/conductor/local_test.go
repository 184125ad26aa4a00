package conductor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-dev/troupe/pkg/backend"
)

// wsEndpoint serves the framed control protocol over a real WebSocket for
// local-backend tests.
func wsEndpoint(t *testing.T, methods map[string]func(params json.RawMessage) (any, error)) (host string, port uint16) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		var writeMu sync.Mutex
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

			respType := inner.Type
			var respData []byte
			if h, ok := methods[inner.Type]; ok {
				result, herr := h(inner.Data)
				if herr != nil {
					respType = "error"
					respData, _ = json.Marshal(herr.Error())
				} else {
					respData, _ = json.Marshal(result)
				}
			} else {
				respType = "error"
				respData, _ = json.Marshal("unknown method " + inner.Type)
			}

			payload, _ := json.Marshal(map[string]any{"type": respType, "data": json.RawMessage(respData)})
			out, _ := json.Marshal(map[string]any{"type": "response", "id": env.ID, "data": json.RawMessage(payload)})

			writeMu.Lock()
			_ = conn.Write(context.Background(), websocket.MessageText, out)
			writeMu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return u.Hostname(), uint16(p)
}

func TestLocalBackendLifecycle(t *testing.T) {
	_, appPort := wsEndpoint(t, map[string]func(json.RawMessage) (any, error){
		"call_zome": func(json.RawMessage) (any, error) {
			return "from app interface", nil
		},
	})

	host, adminPort := wsEndpoint(t, map[string]func(json.RawMessage) (any, error){
		"attach_app_interface": func(params json.RawMessage) (any, error) {
			var req struct {
				Port uint16 `json:"port"`
			}
			require.NoError(t, json.Unmarshal(params, &req))
			// Port zero means "any free port"; the fake conductor
			// hands back where its app interface already listens.
			assert.Zero(t, req.Port)
			return map[string]uint16{"port": appPort}, nil
		},
		"generate_agent_pub_key": func(json.RawMessage) (any, error) {
			return "local-agent", nil
		},
		"register_dna": func(json.RawMessage) (any, error) {
			return "local-hash", nil
		},
		"install_app": func(json.RawMessage) (any, error) {
			return map[string]any{"cell_data": []map[string]any{{
				"cell_id":   map[string]string{"dna_hash": "local-hash", "agent_pub_key": "local-agent"},
				"cell_nick": "cell",
			}}}, nil
		},
		"enable_app": func(json.RawMessage) (any, error) {
			return map[string]any{"errors": []string{}}, nil
		},
	})

	c := New("local-1", backend.Local{Host: host, AdminPort: adminPort}, Options{})

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	app, err := c.InstallApp(context.Background(), InstallAppRequest{
		AppID: "happ",
		DNAs:  []DNASource{{Nick: "cell", Path: "/dna/cell.dna"}},
	})
	require.NoError(t, err)
	require.Len(t, app.Cells, 1)

	res, err := c.CallZome(context.Background(), "happ", "cell", "mod", "fn", nil)
	require.NoError(t, err)
	assert.Equal(t, `"from app interface"`, string(res))

	require.NoError(t, c.Kill(context.Background(), ""))
	require.NoError(t, c.Kill(context.Background(), ""))
}

func TestLocalBackendAdminUnreachable(t *testing.T) {
	c := New("local-2", backend.Local{Host: "127.0.0.1", AdminPort: 1}, Options{})

	err := c.Initialize(context.Background())

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "admin", connErr.Channel)

	require.NoError(t, c.Kill(context.Background(), ""))
}
