// Package backend defines how a conductor's control and data channels are
// reached. A Strategy is a sealed tagged variant: Local dials WebSocket
// endpoints directly, Tunneled proxies every call through a remote control
// server's RPC channel, and Stub carries no connectivity at all. Exactly one
// variant is active per conductor for its lifetime; switching variants means
// destroying the conductor and creating a new one.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/troupe-dev/troupe/pkg/wire"
)

// Kind discriminates the Strategy variants.
type Kind int

const (
	KindLocal Kind = iota
	KindTunneled
	KindStub
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindTunneled:
		return "tunneled"
	case KindStub:
		return "stub"
	default:
		return fmt.Sprintf("backend.Kind(%d)", int(k))
	}
}

// Strategy is the sealed variant interface. Only the types in this package
// implement it, so switches over the concrete type are exhaustive and any
// default branch is unreachable.
type Strategy interface {
	Kind() Kind
	isStrategy()
}

// Local reaches a conductor spawned on this host through directly
// addressable WebSocket endpoints. AppPort zero means the app interface port
// is requested from the conductor at initialization time.
type Local struct {
	Host      string
	AdminPort uint16
	AppPort   uint16
}

// Kind returns KindLocal.
func (Local) Kind() Kind  { return KindLocal }
func (Local) isStrategy() {}

// AdminURL returns the admin interface WebSocket URL.
func (l Local) AdminURL() string {
	return fmt.Sprintf("ws://%s:%d", l.Host, l.AdminPort)
}

// AppURL returns the app interface WebSocket URL for the given port.
func (l Local) AppURL(port uint16) string {
	return fmt.Sprintf("ws://%s:%d", l.Host, port)
}

// RPCFunc issues a named admin method through a tunnel.
type RPCFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

// AppRPCFunc issues a named app-interface method through a tunnel, addressed
// by the app interface port on the remote host.
type AppRPCFunc func(ctx context.Context, port uint16, method string, params any) (json.RawMessage, error)

// Tunneled proxies all control and data traffic through caller-supplied RPC
// functions, typically bound to a remote control-server session. Every field
// is required except FetchRemoteResource, which is only consulted when a DNA
// source must be resolved on the remote host.
type Tunneled struct {
	AdminCall          RPCFunc
	AppCall            AppRPCFunc
	ConnectAppPort     func(ctx context.Context, port uint16) error
	DisconnectAppPort  func(ctx context.Context, port uint16) error
	SubscribeSignals   func(ctx context.Context, port uint16, h wire.SignalHandler) error
	UnsubscribeSignals func(ctx context.Context, port uint16) error

	// FetchRemoteResource resolves a path or URL DNA source into a
	// reference usable on the remote host.
	FetchRemoteResource func(ctx context.Context, ref string) (string, error)
}

// Kind returns KindTunneled.
func (Tunneled) Kind() Kind  { return KindTunneled }
func (Tunneled) isStrategy() {}

// Stub carries no connectivity. It exists for tests that need conductor
// object identity without a live channel; initializing it always fails.
type Stub struct{}

// Kind returns KindStub.
func (Stub) Kind() Kind  { return KindStub }
func (Stub) isStrategy() {}
