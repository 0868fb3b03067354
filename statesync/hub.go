package statesync

import (
	"context"
	"encoding/json"
	"errors"
)

// the transport collaborator. the hub owns wire framing and rpc dispatch;
// this package only sees request/response calls, named subscriptions, and
// connection-state transitions.

type ConnectionState string

const (
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateError        ConnectionState = "error"
)

type ConnectionFunction func(state ConnectionState)

type MessageFunction func(payload json.RawMessage)

var ErrDisconnected = errors.New("hub disconnected")

type Hub interface {
	// request/response. `scope` is the dispatch route, not the data scope.
	Call(ctx context.Context, name string, payload any, scope Scope) (json.RawMessage, error)

	// at-least-once delivery after the subscription completes. messages in
	// flight during setup may be missed.
	Subscribe(ctx context.Context, name string, scope Scope, handler MessageFunction) (func(), error)

	OnConnection(handler ConnectionFunction) func()
}
