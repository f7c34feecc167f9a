// Package transport describes the string channel a host and its views talk
// over. The bridge never assumes a concrete transport: anything that can push
// a serialized message (a websocket, a postMessage bridge, an in-process
// queue) satisfies Sender, and inbound messages are handed to a Handler.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by senders whose channel has been shut down.
var ErrClosed = errors.New("transport: closed")

// Sender pushes one serialized message to the remote side. Delivery is fire
// and forget; implementations must preserve the order of successive sends
// and must not call back into the sender's caller synchronously.
type Sender interface {
	Send(message string) error
}

// SenderFunc allows plain functions to satisfy Sender.
type SenderFunc func(message string) error

// Send calls the underlying function.
func (fn SenderFunc) Send(message string) error {
	if fn == nil {
		return ErrClosed
	}
	return fn(message)
}

// Handler receives inbound serialized messages.
type Handler interface {
	HandleMessage(ctx context.Context, message string)
}

// HandlerFunc allows plain functions to satisfy Handler.
type HandlerFunc func(ctx context.Context, message string)

// HandleMessage dispatches to the underlying function.
func (fn HandlerFunc) HandleMessage(ctx context.Context, message string) {
	if fn != nil {
		fn(ctx, message)
	}
}

// Port is an endpoint that can both send and accept an inbound handler.
type Port interface {
	Sender
	Handler() Handler
	SetHandler(Handler)
}
