package conductor

import (
	"context"
	"encoding/json"

	"github.com/troupe-dev/troupe/pkg/backend"
)

// Channel is one logical control channel (admin or app) once connected.
// wire.Client satisfies it for the local backend; the tunnel adapters below
// satisfy it for the tunneled backend.
type Channel interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// tunnelAdminChannel routes admin calls through a tunnel's AdminCall.
type tunnelAdminChannel struct {
	call backend.RPCFunc
}

func (c *tunnelAdminChannel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params)
}

func (c *tunnelAdminChannel) Close() error { return nil }

// tunnelAppChannel routes app calls through a tunnel's AppCall, bound to the
// app interface port negotiated at initialization. Close disconnects the
// remote port.
type tunnelAppChannel struct {
	call       backend.AppRPCFunc
	port       uint16
	disconnect func(ctx context.Context, port uint16) error
}

func (c *tunnelAppChannel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, c.port, method, params)
}

func (c *tunnelAppChannel) Close() error {
	if c.disconnect == nil {
		return nil
	}
	return c.disconnect(context.Background(), c.port)
}
