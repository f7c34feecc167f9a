// Package bridge keeps host-owned stores in sync with remote views.
//
// A Registry maps store keys to stores. Every committed change of a
// registered store is diffed against the last snapshot the registry sent and
// broadcast to ready views as a STATE_UPDATE patch. Views attach through
// RegisterWebView (or Attach for a transport.Port), announce themselves with
// BRIDGE_READY and receive a STATE_INIT per store in return. Views request
// mutations by sending EVENT messages, which are routed to the store's
// producer; the resulting change reaches every view through the normal
// broadcast.
//
//	reg := bridge.New(bridge.WithLogger(logger))
//	reg.SetStore("counter", store.New(Counter{}, counterProducer))
//	detach := reg.Attach(port)
//	defer detach()
//
// Senders handed to the registry must not call back into it synchronously:
// broadcasts are issued while the store's binding is locked so that every
// view observes patches in revision order.
package bridge
