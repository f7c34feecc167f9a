package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/goliatone/go-statebridge/pkg/activity"
	"github.com/goliatone/go-statebridge/pkg/metrics"
	"github.com/goliatone/go-statebridge/pkg/patch"
	"github.com/goliatone/go-statebridge/pkg/protocol"
	"github.com/goliatone/go-statebridge/pkg/transport"
)

// Store is the registry's view of a host store. *store.Store satisfies it for
// any state and event type.
type Store interface {
	// Current returns the snapshot and its revision read together.
	Current() (snapshot any, revision uint64)
	// Watch runs fn after every committed change.
	Watch(fn func()) (cancel func())
	// DispatchJSON decodes and dispatches an event received from a view.
	DispatchJSON(ctx context.Context, raw []byte) error
}

// Change reports a store key becoming present or absent. Replaced is set when
// a present key was bound to a different store.
type Change struct {
	Key      string
	Present  bool
	Replaced bool
}

// Registry owns the stores of one host and the views attached to it. The
// zero value is not usable; construct it with New.
type Registry struct {
	cfg         config
	logger      *slog.Logger
	attachments *transport.Attachments

	mu        sync.Mutex
	stores    map[string]*binding
	endpoints map[string]*Endpoint
	listeners map[uint64]func(Change)
	nextID    uint64
}

// binding tracks what views were last told about one store. Every message
// for the key is sent while mu is held, so views see them in revision order.
type binding struct {
	key   string
	store Store

	mu      sync.Mutex
	last    any
	rev     uint64
	synced  map[string]bool
	lagging map[string]bool
	closed  bool
	cancel  func()
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	cfg := applyOptions(opts)
	return &Registry{
		cfg:         cfg,
		logger:      cfg.logger,
		attachments: transport.NewAttachments(),
		stores:      map[string]*binding{},
		endpoints:   map[string]*Endpoint{},
		listeners:   map[uint64]func(Change){},
	}
}

// SetStore binds key to st. A nil st removes the key. Binding a store sends
// STATE_INIT with its current snapshot to every ready view; replacing a
// store discards the previous binding and its watch.
func (r *Registry) SetStore(key string, st Store) {
	if isNilStore(st) {
		r.removeStore(key)
		return
	}

	b := &binding{key: key, store: st, synced: map[string]bool{}, lagging: map[string]bool{}}
	b.mu.Lock()
	b.cancel = st.Watch(func() { r.flush(b) })
	b.last, b.rev = st.Current()

	r.mu.Lock()
	previous := r.stores[key]
	r.stores[key] = b
	storeCount := len(r.stores)
	r.mu.Unlock()

	// The old binding must stop broadcasting before views are re-initialised
	// from the new store.
	replaced := previous != nil
	if replaced {
		previous.close()
	}
	r.initReady(b)
	rev := b.rev
	b.mu.Unlock()

	r.cfg.metrics.SetStores(storeCount)

	input := r.activityInput(key, "")
	input.Revision = rev
	if replaced {
		r.emit(activity.BuildStoreReplacedEvent(input))
	} else {
		r.emit(activity.BuildStoreRegisteredEvent(input))
	}
	r.notifyChange(Change{Key: key, Present: true, Replaced: replaced})
}

func (r *Registry) removeStore(key string) {
	r.mu.Lock()
	b, ok := r.stores[key]
	if ok {
		delete(r.stores, key)
	}
	storeCount := len(r.stores)
	r.mu.Unlock()
	if !ok {
		return
	}

	b.close()
	r.cfg.metrics.SetStores(storeCount)
	r.emit(activity.BuildStoreRemovedEvent(r.activityInput(key, "")))
	r.notifyChange(Change{Key: key, Present: false})
}

// GetStore returns the store bound to key.
func (r *Registry) GetStore(key string) (Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.stores[key]
	if !ok {
		return nil, false
	}
	return b.store, true
}

// Keys lists the present store keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.stores))
	for key := range r.stores {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Subscribe registers listener for availability changes. Ordinary state
// mutations do not trigger it.
func (r *Registry) Subscribe(listener func(Change)) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = listener
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Resync sends STATE_INIT for key to every ready view without touching the
// store.
func (r *Registry) Resync(key string) error {
	b, ok := r.binding(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrStoreNotFound, key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r.initReady(b)
	return nil
}

// ResyncAll sends STATE_INIT for every present store to every ready view.
func (r *Registry) ResyncAll() {
	for _, b := range r.bindings() {
		b.mu.Lock()
		r.initReady(b)
		b.mu.Unlock()
	}
}

// ResyncEndpoint sends STATE_INIT for every present store to ep. A view that
// has not completed the ready handshake is left alone; it receives every
// store when it does.
func (r *Registry) ResyncEndpoint(ep *Endpoint) error {
	if ep == nil {
		return ErrUnknownEndpoint
	}
	r.mu.Lock()
	registered, ready := ep.registered && r.endpoints[ep.id] == ep, ep.ready
	r.mu.Unlock()
	if !registered {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep.id)
	}
	if !ready {
		return nil
	}
	for _, b := range r.bindings() {
		b.mu.Lock()
		r.initEndpoint(b, ep)
		b.mu.Unlock()
	}
	return nil
}

func (r *Registry) binding(key string) (*binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.stores[key]
	return b, ok
}

func (r *Registry) bindings() []*binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.stores))
	for key := range r.stores {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*binding, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.stores[key])
	}
	return out
}

// flush broadcasts the difference between what views last received and the
// store's current snapshot. Notifications that arrive late or out of order
// find nothing newer and send nothing. A view whose patch could not be
// delivered is re-initialised with the full snapshot instead of being sent
// further patches against state it never received.
func (r *Registry) flush(b *binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	current, rev := b.store.Current()
	if rev <= b.rev {
		return
	}
	ops, err := patch.Diff(b.last, current, r.cfg.diffOptions...)
	if err != nil {
		r.logger.Error("bridge: diff failed, update not broadcast", "storeKey", b.key, "error", err)
		return
	}
	b.last, b.rev = current, rev
	if !ops.Empty() {
		r.broadcast(b, ops)
	}
	r.catchUp(b)
}

// broadcast sends ops to every synced endpoint. Endpoints that fail the send
// leave the synced set and are queued for a STATE_INIT. Expects b.mu held.
func (r *Registry) broadcast(b *binding, ops patch.Patch) {
	encoded, err := protocol.Encode(protocol.StateUpdate(b.key, ops))
	if err != nil {
		r.logger.Error("bridge: encode state update", "storeKey", b.key, "error", err)
		return
	}
	targets := r.syncedTargets(b)
	for _, ep := range targets {
		if r.send(ep, protocol.TypeStateUpdate, encoded) {
			continue
		}
		delete(b.synced, ep.id)
		b.lagging[ep.id] = true
		r.logger.Warn("bridge: view missed an update, resending full state", "storeKey", b.key, "endpoint", ep.id)
	}
	if len(targets) > 0 {
		r.cfg.metrics.PatchBroadcast(len(ops))
	}
}

// catchUp sends STATE_INIT to lagging endpoints that are still ready. Those
// that fail again stay lagging until the next flush or their next
// BRIDGE_READY. Expects b.mu held.
func (r *Registry) catchUp(b *binding) {
	if len(b.lagging) == 0 {
		return
	}
	r.mu.Lock()
	targets := make([]*Endpoint, 0, len(b.lagging))
	for id := range b.lagging {
		ep, ok := r.endpoints[id]
		if !ok || !ep.ready {
			delete(b.lagging, id)
			continue
		}
		targets = append(targets, ep)
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	for _, ep := range targets {
		r.initEndpoint(b, ep)
	}
}

// syncedTargets returns the ready endpoints that received a STATE_INIT for b
// since they became ready, pruning everything else. Expects b.mu held.
func (r *Registry) syncedTargets(b *binding) []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]*Endpoint, 0, len(b.synced))
	next := make(map[string]bool, len(b.synced))
	for id := range b.synced {
		ep, ok := r.endpoints[id]
		if !ok || !ep.ready {
			continue
		}
		next[id] = true
		targets = append(targets, ep)
	}
	b.synced = next
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	return targets
}

// initReady sends STATE_INIT for b to every ready endpoint. Expects b.mu held.
func (r *Registry) initReady(b *binding) {
	r.mu.Lock()
	targets := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.ready {
			targets = append(targets, ep)
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	for _, ep := range targets {
		r.initEndpoint(b, ep)
	}
}

// initEndpoint sends b's last broadcast snapshot to ep and, when ep is ready,
// enrols it for subsequent patches. A ready endpoint whose send fails is
// marked lagging. Expects b.mu held.
func (r *Registry) initEndpoint(b *binding, ep *Endpoint) {
	if b.closed {
		return
	}
	msg, err := protocol.StateInit(b.key, b.last)
	if err != nil {
		r.logger.Error("bridge: encode state init", "storeKey", b.key, "error", err)
		return
	}
	encoded, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("bridge: encode state init", "storeKey", b.key, "error", err)
		return
	}
	sent := r.send(ep, protocol.TypeStateInit, encoded)
	r.mu.Lock()
	ready := ep.ready && ep.registered
	r.mu.Unlock()
	switch {
	case !ready:
		delete(b.lagging, ep.id)
	case sent:
		delete(b.lagging, ep.id)
		b.synced[ep.id] = true
	default:
		delete(b.synced, ep.id)
		b.lagging[ep.id] = true
	}
}

func (r *Registry) send(ep *Endpoint, msgType protocol.Type, encoded string) bool {
	if err := ep.sender.Send(encoded); err != nil {
		r.logger.Warn("bridge: send failed", "endpoint", ep.id, "type", string(msgType), "error", err)
		r.cfg.metrics.ListenerError(metrics.KindTransport)
		return false
	}
	r.cfg.metrics.MessageSent(string(msgType))
	return true
}

func (r *Registry) notifyChange(change Change) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.mu.Unlock()

	for _, listener := range listeners {
		r.callChange(listener, change)
	}
}

func (r *Registry) callChange(listener func(Change), change Change) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("bridge: availability listener panicked", "storeKey", change.Key, "panic", fmt.Sprint(rec))
			r.cfg.metrics.ListenerError(metrics.KindSubscriber)
		}
	}()
	listener(change)
}

func (r *Registry) activityInput(storeKey, endpointID string) activity.BridgeEventInput {
	return activity.BridgeEventInput{
		StoreKey:   storeKey,
		EndpointID: endpointID,
	}
}

func (r *Registry) emit(event activity.Event) {
	if !r.cfg.activity.Enabled() {
		return
	}
	if err := r.cfg.activity.Emit(context.Background(), event); err != nil {
		r.logger.Warn("bridge: activity hook failed", "verb", event.Verb, "error", err)
		r.cfg.metrics.ListenerError(metrics.KindActivity)
	}
}

func (b *binding) close() {
	b.mu.Lock()
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func isNilStore(st Store) bool {
	if st == nil {
		return true
	}
	v := reflect.ValueOf(st)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}
