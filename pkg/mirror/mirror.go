// Package mirror is the view-side counterpart of the bridge registry.
//
// A Mirror caches the latest snapshot of every store the host has announced
// with STATE_INIT and applies STATE_UPDATE patches to it in arrival order.
// Consumers read snapshots and subscribe per store; mutations are requested
// with Store.Dispatch, which only sends an EVENT to the host. The cache
// changes when the host's resulting broadcast arrives.
//
// A patch that fails to apply means the cache drifted from the host. The
// mirror keeps the last good snapshot, ignores further patches for that key
// and, unless disabled, asks the host for a full resync.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-statebridge/pkg/metrics"
	"github.com/goliatone/go-statebridge/pkg/protocol"
	"github.com/goliatone/go-statebridge/pkg/transport"
)

// Mirror mirrors host stores inside a view. It implements transport.Handler.
type Mirror struct {
	sender transport.Sender
	cfg    config

	mu        sync.Mutex
	stores    map[string]*Store
	listeners map[uint64]func(key string)
	nextID    uint64
}

// New creates a mirror that sends outbound messages through sender.
func New(sender transport.Sender, opts ...Option) *Mirror {
	return &Mirror{
		sender:    sender,
		cfg:       applyOptions(opts),
		stores:    map[string]*Store{},
		listeners: map[uint64]func(string){},
	}
}

// Attach creates a mirror on port and installs it after the port's existing
// handler. detach restores the previous handler.
func Attach(port transport.Port, opts ...Option) (m *Mirror, detach func()) {
	m = New(port, opts...)
	if port == nil {
		return m, func() {}
	}
	return m, transport.NewAttachments().Attach(port, m)
}

// IsSupported reports whether the transport is available in this
// environment. It does not check that a host is listening.
func (m *Mirror) IsSupported() bool {
	if m.cfg.supportCheck != nil {
		return m.cfg.supportCheck()
	}
	return m.sender != nil
}

// Ready tells the host this view can receive state. The host answers with a
// STATE_INIT per store.
func (m *Mirror) Ready() error {
	encoded, err := protocol.Encode(protocol.BridgeReady())
	if err != nil {
		return err
	}
	return m.send(protocol.TypeBridgeReady, encoded)
}

// GetStore returns the mirrored store for key once it has been initialised.
func (m *Mirror) GetStore(key string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[key]
	return s, ok
}

// Keys lists the initialised store keys in sorted order.
func (m *Mirror) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.stores))
	for key := range m.stores {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Subscribe registers listener for availability: it runs with the store key
// after every STATE_INIT.
func (m *Mirror) Subscribe(listener func(key string)) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// HandleMessage processes one raw message from the host. Protocol errors are
// logged and dropped.
func (m *Mirror) HandleMessage(_ context.Context, raw string) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		var perr *protocol.ProtocolError
		msgType := ""
		if errors.As(err, &perr) {
			msgType = string(perr.Type)
		}
		m.cfg.logger.Warn("mirror: dropped malformed message", "type", msgType, "error", err)
		m.cfg.metrics.Inbound(msgType, metrics.ResultMalformed)
		return
	}

	switch msg.Type {
	case protocol.TypeStateInit:
		m.handleInit(msg)
	case protocol.TypeStateUpdate:
		m.handleUpdate(msg)
	default:
		m.cfg.logger.Warn("mirror: dropped view-bound message of host type", "type", string(msg.Type), "storeKey", msg.StoreKey)
		m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultDropped)
	}
}

func (m *Mirror) handleInit(msg protocol.Message) {
	var snapshot any
	if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
		m.cfg.logger.Warn("mirror: dropped state init with undecodable data", "storeKey", msg.StoreKey, "error", err)
		m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultMalformed)
		return
	}

	m.mu.Lock()
	s, ok := m.stores[msg.StoreKey]
	if !ok {
		s = newStore(msg.StoreKey, m)
		m.stores[msg.StoreKey] = s
	}
	m.mu.Unlock()

	s.replace(snapshot)
	m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultHandled)
	m.notifyAvailable(msg.StoreKey)
}

func (m *Mirror) handleUpdate(msg protocol.Message) {
	s, ok := m.GetStore(msg.StoreKey)
	if !ok {
		m.cfg.logger.Debug("mirror: update for uninitialised store ignored", "storeKey", msg.StoreKey)
		m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultDropped)
		return
	}

	err := s.apply(msg.Operations)
	switch {
	case err == nil:
		m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultHandled)
	case errors.Is(err, errStale):
		m.cfg.logger.Debug("mirror: update for desynchronized store ignored", "storeKey", msg.StoreKey)
		m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultDropped)
	default:
		m.cfg.logger.Error("mirror desynchronized", "storeKey", msg.StoreKey, "operations", msg.Operations.String(), "error", err)
		m.cfg.metrics.Inbound(string(msg.Type), metrics.ResultFailed)
		m.cfg.metrics.Desync()
		if m.cfg.autoResync {
			if err := m.Ready(); err != nil {
				m.cfg.logger.Warn("mirror: resync request failed", "storeKey", msg.StoreKey, "error", err)
			}
		}
	}
}

func (m *Mirror) notifyAvailable(key string) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(string), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		m.guard("availability", key, func() { listener(key) })
	}
}

func (m *Mirror) send(msgType protocol.Type, encoded string) error {
	if m.sender == nil {
		return transport.ErrClosed
	}
	if err := m.sender.Send(encoded); err != nil {
		m.cfg.metrics.ListenerError(metrics.KindTransport)
		return fmt.Errorf("mirror: send %s: %w", msgType, err)
	}
	m.cfg.metrics.MessageSent(string(msgType))
	return nil
}

func (m *Mirror) guard(kind, key string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.cfg.logger.Error("mirror: listener panicked", "kind", kind, "storeKey", key, "panic", fmt.Sprint(rec))
			m.cfg.metrics.ListenerError(metrics.KindSubscriber)
		}
	}()
	fn()
}

// errStale marks patches skipped while a store waits for a fresh snapshot.
var errStale = errors.New("mirror: store awaiting resync")
