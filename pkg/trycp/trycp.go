// Package trycp is a client for a remote control server that spawns and
// manages conductor processes on its own host. All traffic for one host is
// multiplexed over a single wire connection; per-player conductors are then
// reached through the Tunneled backend this client hands out.
package trycp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/troupe-dev/troupe/pkg/backend"
	"github.com/troupe-dev/troupe/pkg/wire"
)

// Placement is the process placement returned by session setup.
type Placement struct {
	AdminPort uint16 `json:"admin_port"`
	BaseDir   string `json:"base_dir"`
}

// Client talks to one remote control server.
type Client struct {
	wc  *wire.Client
	log *slog.Logger

	mu       sync.Mutex
	handlers map[uint16]wire.SignalHandler
	sub      *wire.Subscription
}

// Dial connects to the control server at the given URL.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	wc, err := wire.Dial(ctx, url, &wire.DialOptions{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("trycp: %w", err)
	}

	c := &Client{
		wc:       wc,
		log:      log,
		handlers: make(map[uint16]wire.SignalHandler),
	}

	// Signals from app interfaces arrive tagged with their port; route
	// them to whichever subscriber owns that port.
	sub, err := wc.SubscribeSignals(c.routeSignal)
	if err != nil {
		_ = wc.Close()
		return nil, fmt.Errorf("trycp: %w", err)
	}
	c.sub = sub

	return c, nil
}

// routeSignal dispatches a {port, data} signal to the handler registered for
// that port.
func (c *Client) routeSignal(data json.RawMessage) {
	var sig struct {
		Port uint16          `json:"port"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		c.log.Warn("trycp: dropping unparseable signal", "error", err)
		return
	}

	c.mu.Lock()
	h := c.handlers[sig.Port]
	c.mu.Unlock()

	if h == nil {
		c.log.Warn("trycp: dropping signal for unsubscribed port", "port", sig.Port)
		return
	}
	h(sig.Data)
}

// Setup establishes a session for the named player and returns its process
// placement parameters.
func (c *Client) Setup(ctx context.Context, id string) (Placement, error) {
	res, err := c.wc.Call(ctx, "setup", map[string]string{"id": id})
	if err != nil {
		return Placement{}, fmt.Errorf("trycp: setup %s: %w", id, err)
	}

	var p Placement
	if err := json.Unmarshal(res, &p); err != nil {
		return Placement{}, fmt.Errorf("trycp: setup %s: parse response: %w", id, err)
	}

	return p, nil
}

// ConfigurePlayer uploads the player's conductor configuration document.
func (c *Client) ConfigurePlayer(ctx context.Context, id, config string) error {
	_, err := c.wc.Call(ctx, "configure_player", map[string]string{
		"id":             id,
		"partial_config": config,
	})
	if err != nil {
		return fmt.Errorf("trycp: configure player %s: %w", id, err)
	}
	return nil
}

// Spawn starts the named player's conductor process.
func (c *Client) Spawn(ctx context.Context, id string) error {
	if _, err := c.wc.Call(ctx, "startup", map[string]string{"id": id}); err != nil {
		return fmt.Errorf("trycp: spawn %s: %w", id, err)
	}
	return nil
}

// Kill stops the named player's conductor process with the given signal.
func (c *Client) Kill(ctx context.Context, id, signal string) error {
	params := map[string]string{"id": id}
	if signal != "" {
		params["signal"] = signal
	}
	if _, err := c.wc.Call(ctx, "shutdown", params); err != nil {
		return fmt.Errorf("trycp: kill %s: %w", id, err)
	}
	return nil
}

// Ping checks liveness of the named player's process.
func (c *Client) Ping(ctx context.Context, id string) error {
	if _, err := c.wc.Call(ctx, "ping", map[string]string{"id": id}); err != nil {
		return fmt.Errorf("trycp: ping %s: %w", id, err)
	}
	return nil
}

// DownloadDNA makes the resource at url available on the remote host and
// returns its remote path.
func (c *Client) DownloadDNA(ctx context.Context, url string) (string, error) {
	res, err := c.wc.Call(ctx, "download_dna", map[string]string{"url": url})
	if err != nil {
		return "", fmt.Errorf("trycp: download dna: %w", err)
	}

	var path string
	if err := json.Unmarshal(res, &path); err != nil {
		return "", fmt.Errorf("trycp: download dna: parse response: %w", err)
	}

	return path, nil
}

// Close tears down the control connection.
func (c *Client) Close() error {
	c.sub.Cancel()
	return c.wc.Close()
}

// Backend builds the tunneled backend strategy for the named player. All of
// the conductor's control and data traffic is proxied through this client.
func (c *Client) Backend(id string) backend.Tunneled {
	return backend.Tunneled{
		AdminCall: func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			return c.wc.Call(ctx, "admin_interface_call", map[string]any{
				"id":      id,
				"message": map[string]any{"type": method, "data": params},
			})
		},
		AppCall: func(ctx context.Context, port uint16, method string, params any) (json.RawMessage, error) {
			return c.wc.Call(ctx, "app_interface_call", map[string]any{
				"port":    port,
				"message": map[string]any{"type": method, "data": params},
			})
		},
		ConnectAppPort: func(ctx context.Context, port uint16) error {
			_, err := c.wc.Call(ctx, "connect_app_interface", map[string]any{"port": port})
			return err
		},
		DisconnectAppPort: func(ctx context.Context, port uint16) error {
			_, err := c.wc.Call(ctx, "disconnect_app_interface", map[string]any{"port": port})
			return err
		},
		SubscribeSignals: func(ctx context.Context, port uint16, h wire.SignalHandler) error {
			c.mu.Lock()
			if _, taken := c.handlers[port]; taken {
				c.mu.Unlock()
				return fmt.Errorf("trycp: signals for port %d already subscribed", port)
			}
			c.handlers[port] = h
			c.mu.Unlock()

			if _, err := c.wc.Call(ctx, "subscribe_app_interface_signals", map[string]any{"port": port}); err != nil {
				c.mu.Lock()
				delete(c.handlers, port)
				c.mu.Unlock()
				return err
			}
			return nil
		},
		UnsubscribeSignals: func(ctx context.Context, port uint16) error {
			c.mu.Lock()
			delete(c.handlers, port)
			c.mu.Unlock()

			_, err := c.wc.Call(ctx, "unsubscribe_app_interface_signals", map[string]any{"port": port})
			return err
		},
		FetchRemoteResource: func(ctx context.Context, ref string) (string, error) {
			return c.DownloadDNA(ctx, ref)
		},
	}
}
