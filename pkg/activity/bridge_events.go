package activity

import (
	"strings"
	"time"
)

// Verbs emitted by the bridge.
const (
	VerbStoreRegistered = "store.registered"
	VerbStoreReplaced   = "store.replaced"
	VerbStoreRemoved    = "store.removed"
	VerbEventDispatched = "store.event.dispatched"
	VerbEventDropped    = "store.event.dropped"
	VerbViewAttached    = "view.attached"
	VerbViewReady       = "view.ready"
	VerbViewDetached    = "view.detached"
)

// Object types.
const (
	ObjectStore = "store"
	ObjectView  = "view"
)

// BridgeEventInput carries what the registry knows about a transition.
// Actor, tenant and channel are left to the Emitter.
type BridgeEventInput struct {
	StoreKey   string
	EndpointID string
	EventType  string
	Revision   uint64
	Metadata   map[string]any
	OccurredAt time.Time
}

// BuildStoreRegisteredEvent reports a store key becoming present.
func BuildStoreRegisteredEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbStoreRegistered, ObjectStore, input)
}

// BuildStoreReplacedEvent reports a present key bound to a new store.
func BuildStoreReplacedEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbStoreReplaced, ObjectStore, input)
}

// BuildStoreRemovedEvent reports a store key becoming absent.
func BuildStoreRemovedEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbStoreRemoved, ObjectStore, input)
}

// BuildEventDispatchedEvent reports a view event applied by its store.
// Revision is the store revision after the event.
func BuildEventDispatchedEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbEventDispatched, ObjectStore, input)
}

// BuildEventDroppedEvent reports a view event addressed to a missing store.
func BuildEventDroppedEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbEventDropped, ObjectStore, input)
}

func BuildViewAttachedEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbViewAttached, ObjectView, input)
}

func BuildViewReadyEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbViewReady, ObjectView, input)
}

func BuildViewDetachedEvent(input BridgeEventInput) Event {
	return buildBridgeEvent(VerbViewDetached, ObjectView, input)
}

func buildBridgeEvent(verb, objectType string, input BridgeEventInput) Event {
	event := Event{
		Verb:       verb,
		ObjectType: objectType,
		StoreKey:   strings.TrimSpace(input.StoreKey),
		EndpointID: strings.TrimSpace(input.EndpointID),
		Metadata:   cloneMap(input.Metadata),
		OccurredAt: input.OccurredAt,
	}

	if eventType := strings.TrimSpace(input.EventType); eventType != "" {
		event.Metadata = ensureMap(event.Metadata)
		event.Metadata["event_type"] = eventType
	}
	if input.Revision > 0 {
		event.Metadata = ensureMap(event.Metadata)
		event.Metadata["revision"] = input.Revision
	}

	event.ObjectID = event.StoreKey
	if objectType == ObjectView {
		event.ObjectID = event.EndpointID
	}
	if event.ObjectID == "" {
		event.ObjectID = objectType
	}
	return event
}
