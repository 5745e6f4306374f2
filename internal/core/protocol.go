package core

import (
	"context"
	"net/http"

	"botgate/internal/config"
	"botgate/internal/event"
	"botgate/internal/transport/ws"
	"botgate/pkg/logx"
)

// RouteKey addresses one protocol instance on the router:
// /{platform}/{account_id}/{protocol}/{version}/...
type RouteKey struct {
	Platform  string
	AccountID string
	Protocol  string
	Version   string
}

func (k RouteKey) String() string {
	return "/" + k.Platform + "/" + k.AccountID + "/" + k.Protocol + "/" + k.Version
}

func (k RouteKey) Account() config.AccountKey {
	return config.AccountKey{Platform: k.Platform, AccountID: k.AccountID}
}

// Protocol is one wire protocol bound to one account while it is online.
//
// ServeHTTP receives requests whose path is the remainder after the four
// route segments ("/" when empty).
type Protocol interface {
	http.Handler
	Bind(b Binding) error
	Unbind(ctx context.Context) error
	OnEvent(ctx context.Context, e event.Event) error
}

// StreamHandler is implemented by protocols that accept WebSocket clients.
// ServeStream owns the connection until it returns.
type StreamHandler interface {
	ServeStream(ctx context.Context, conn *ws.Conn)
}

// Binding is what a protocol gets from its account.
type Binding struct {
	Key RouteKey
	// Bot is the account-scoped capability handle. It is the only way a
	// protocol reaches the platform.
	Bot Bot
	// Guild is nil when the platform has no guild extension.
	Guild GuildBot
}

// MessageIDs maps platform message ids to small stable integers for
// protocols whose wire format needs numeric ids.
type MessageIDs interface {
	InternMessageID(ctx context.Context, scope, platformID string) (int32, error)
	ResolveMessageID(ctx context.Context, scope string, id int32) (string, error)
}

// ProtocolDeps are passed to a protocol factory.
type ProtocolDeps struct {
	Key      RouteKey
	Settings config.Settings
	Log      logx.Logger
	IDs      MessageIDs
}

type ProtocolFactory func(deps ProtocolDeps) (Protocol, error)

// PlatformDeps are passed to a platform factory.
type PlatformDeps struct {
	Log logx.Logger
}

// PlatformFactory builds an unconnected client for an account. It must not
// perform network I/O.
type PlatformFactory func(cfg config.AccountConfig, deps PlatformDeps) (Client, error)

// Mounter is the router surface an account uses to expose its protocols.
type Mounter interface {
	Mount(key RouteKey, p Protocol) error
	// Unmount removes the route and closes its WebSocket connections.
	Unmount(key RouteKey)
}
