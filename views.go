package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-statebridge/pkg/activity"
	"github.com/goliatone/go-statebridge/pkg/metrics"
	"github.com/goliatone/go-statebridge/pkg/transport"
)

// Endpoint is a view attached to a registry. Endpoints are created by
// RegisterWebView and identify the source of inbound messages.
type Endpoint struct {
	id     string
	seq    uint64
	sender transport.Sender

	// notifyMu orders readiness deliveries to the endpoint's listeners.
	notifyMu sync.Mutex

	// guarded by Registry.mu
	ready      bool
	registered bool
	listeners  map[uint64]func(bool)
	nextID     uint64
}

// ID returns the endpoint identifier used in logs and activity events.
func (e *Endpoint) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

func newEndpointID() string {
	return uuid.NewString()
}

// RegisterWebView attaches a view reachable through sender and sends it a
// STATE_INIT for every present store. The view only receives patches once it
// has completed the ready handshake. Calling unregister stops all delivery to
// the view and drops its ready-state listeners.
func (r *Registry) RegisterWebView(sender transport.Sender) (endpoint *Endpoint, unregister func()) {
	if sender == nil {
		r.logger.Warn("bridge: register view without sender ignored")
		return nil, func() {}
	}

	r.mu.Lock()
	r.nextID++
	ep := &Endpoint{
		id:         r.cfg.newID(),
		seq:        r.nextID,
		sender:     sender,
		registered: true,
		listeners:  map[uint64]func(bool){},
	}
	r.endpoints[ep.id] = ep
	viewCount := len(r.endpoints)
	r.mu.Unlock()

	r.cfg.metrics.SetViews(viewCount)
	r.emit(activity.BuildViewAttachedEvent(r.activityInput("", ep.id)))

	for _, b := range r.bindings() {
		b.mu.Lock()
		r.initEndpoint(b, ep)
		b.mu.Unlock()
	}

	var once sync.Once
	return ep, func() {
		once.Do(func() {
			r.unregister(ep)
		})
	}
}

func (r *Registry) unregister(ep *Endpoint) {
	r.mu.Lock()
	if current, ok := r.endpoints[ep.id]; ok && current == ep {
		delete(r.endpoints, ep.id)
	}
	ep.registered = false
	ep.ready = false
	ep.listeners = nil
	viewCount := len(r.endpoints)
	r.mu.Unlock()

	r.cfg.metrics.SetViews(viewCount)
	r.emit(activity.BuildViewDetachedEvent(r.activityInput("", ep.id)))
}

// Attach registers port as a view and installs the registry's inbound handler
// after whatever handler the port already carries. The returned detach
// restores the port's previous handler and unregisters the view.
func (r *Registry) Attach(port transport.Port) (detach func()) {
	if port == nil {
		return func() {}
	}
	ep, unregister := r.RegisterWebView(port)
	restore := r.attachments.Attach(port, r.Handler(ep))

	var once sync.Once
	return func() {
		once.Do(func() {
			restore()
			unregister()
		})
	}
}

// Handler returns a transport handler that feeds inbound messages to the
// registry as coming from endpoint.
func (r *Registry) Handler(endpoint *Endpoint) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, message string) {
		r.HandleInboundMessage(ctx, message, endpoint)
	})
}

// IsReady reports whether endpoint completed the ready handshake.
func (r *Registry) IsReady(endpoint *Endpoint) bool {
	if endpoint == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return endpoint.registered && endpoint.ready
}

// SubscribeToReadyState calls listener with the endpoint's current readiness,
// false for unknown endpoints, and again on every transition. Listeners must
// not subscribe to the same endpoint from inside the callback.
func (r *Registry) SubscribeToReadyState(endpoint *Endpoint, listener func(ready bool)) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	if endpoint == nil {
		r.callReady(nil, listener, false)
		return func() {}
	}

	endpoint.notifyMu.Lock()
	defer endpoint.notifyMu.Unlock()

	r.mu.Lock()
	if !endpoint.registered {
		r.mu.Unlock()
		r.callReady(endpoint, listener, false)
		return func() {}
	}
	endpoint.nextID++
	id := endpoint.nextID
	endpoint.listeners[id] = listener
	ready := endpoint.ready
	r.mu.Unlock()

	r.callReady(endpoint, listener, ready)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(endpoint.listeners, id)
			r.mu.Unlock()
		})
	}
}

// markReady flips endpoints to ready, notifies their listeners on the
// transition and resends every present store to them.
func (r *Registry) markReady(endpoints []*Endpoint) {
	bindings := r.bindings()
	for _, ep := range endpoints {
		if !r.setReady(ep) {
			continue
		}
		for _, b := range bindings {
			b.mu.Lock()
			r.initEndpoint(b, ep)
			b.mu.Unlock()
		}
	}
}

// setReady reports whether ep is still registered.
func (r *Registry) setReady(ep *Endpoint) bool {
	ep.notifyMu.Lock()
	defer ep.notifyMu.Unlock()

	r.mu.Lock()
	if !ep.registered {
		r.mu.Unlock()
		return false
	}
	transitioned := !ep.ready
	ep.ready = true
	var listeners []func(bool)
	if transitioned {
		ids := make([]uint64, 0, len(ep.listeners))
		for id := range ep.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			listeners = append(listeners, ep.listeners[id])
		}
	}
	r.mu.Unlock()

	if transitioned {
		r.emit(activity.BuildViewReadyEvent(r.activityInput("", ep.id)))
		for _, listener := range listeners {
			r.callReady(ep, listener, true)
		}
	}
	return true
}

func (r *Registry) readyEndpoints(source *Endpoint) []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if source != nil {
		if current, ok := r.endpoints[source.id]; ok && current == source {
			return []*Endpoint{source}
		}
		return nil
	}
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) callReady(ep *Endpoint, listener func(bool), ready bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("bridge: ready listener panicked", "endpoint", ep.ID(), "panic", fmt.Sprint(rec))
			r.cfg.metrics.ListenerError(metrics.KindReady)
		}
	}()
	listener(ready)
}
