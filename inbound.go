package bridge

import (
	"context"
	"errors"

	"github.com/goliatone/go-statebridge/pkg/activity"
	"github.com/goliatone/go-statebridge/pkg/metrics"
	"github.com/goliatone/go-statebridge/pkg/protocol"
)

// HandleInboundMessage processes one raw message from a view. source
// identifies the sending endpoint; a nil source applies BRIDGE_READY to every
// registered endpoint. Malformed or unexpected messages are logged and
// dropped, never returned as errors.
func (r *Registry) HandleInboundMessage(ctx context.Context, raw string, source *Endpoint) {
	if ctx == nil {
		ctx = context.Background()
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		var perr *protocol.ProtocolError
		msgType := ""
		if errors.As(err, &perr) {
			msgType = string(perr.Type)
		}
		r.logger.Warn("bridge: dropped malformed message", "endpoint", source.ID(), "type", msgType, "error", err)
		r.cfg.metrics.Inbound(msgType, metrics.ResultMalformed)
		return
	}

	switch msg.Type {
	case protocol.TypeBridgeReady:
		endpoints := r.readyEndpoints(source)
		if len(endpoints) == 0 && source != nil {
			r.logger.Warn("bridge: ready from unregistered endpoint dropped", "endpoint", source.ID())
			r.cfg.metrics.Inbound(string(msg.Type), metrics.ResultDropped)
			return
		}
		r.markReady(endpoints)
		r.cfg.metrics.Inbound(string(msg.Type), metrics.ResultHandled)
	case protocol.TypeEvent:
		r.handleEvent(ctx, msg, source)
	default:
		r.logger.Warn("bridge: dropped host-bound message of view type", "endpoint", source.ID(), "type", string(msg.Type), "storeKey", msg.StoreKey)
		r.cfg.metrics.Inbound(string(msg.Type), metrics.ResultDropped)
	}
}

func (r *Registry) handleEvent(ctx context.Context, msg protocol.Message, source *Endpoint) {
	eventType, _ := protocol.EventType(msg.Event)
	input := r.activityInput(msg.StoreKey, source.ID())
	input.EventType = eventType

	b, ok := r.binding(msg.StoreKey)
	if !ok {
		r.logger.Warn("bridge: event for unknown store dropped", "storeKey", msg.StoreKey, "event_type", eventType, "endpoint", source.ID())
		r.cfg.metrics.Inbound(string(msg.Type), metrics.ResultDropped)
		r.emit(activity.BuildEventDroppedEvent(input))
		return
	}

	if err := b.store.DispatchJSON(ctx, msg.Event); err != nil {
		r.logger.Warn("bridge: event rejected by store", "storeKey", msg.StoreKey, "event_type", eventType, "error", err)
		r.cfg.metrics.Inbound(string(msg.Type), metrics.ResultFailed)
		return
	}
	r.cfg.metrics.Inbound(string(msg.Type), metrics.ResultHandled)

	_, input.Revision = b.store.Current()
	r.emit(activity.BuildEventDispatchedEvent(input))
}
