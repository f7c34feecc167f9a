package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Chain composes handlers so that each receives every message in order. A
// panicking handler is recovered and logged; later handlers still run.
func Chain(handlers ...Handler) Handler {
	normalized := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			normalized = append(normalized, h)
		}
	}
	return chain(normalized)
}

type chain []Handler

func (c chain) HandleMessage(ctx context.Context, message string) {
	for i, h := range c {
		runHandler(ctx, i, h, message)
	}
}

func runHandler(ctx context.Context, index int, h Handler, message string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("transport: handler panicked", "index", index, "panic", fmt.Sprint(r))
		}
	}()
	h.HandleMessage(ctx, message)
}

// Attachments installs handlers on ports while keeping whatever handler was
// already there. Attach chains "previous, then new" and the returned detach
// restores the previous handler. The index is keyed by port so a port can
// carry at most one attachment from a given Attachments value.
type Attachments struct {
	mu    sync.Mutex
	index map[Port]attachment
	gen   uint64
}

type attachment struct {
	previous Handler
	gen      uint64
}

// NewAttachments returns an empty attachment index.
func NewAttachments() *Attachments {
	return &Attachments{index: map[Port]attachment{}}
}

// Attach installs h on port after the port's current handler. Attaching to a
// port that is already attached first restores its original handler.
func (a *Attachments) Attach(port Port, h Handler) (detach func()) {
	if port == nil || h == nil {
		return func() {}
	}

	a.mu.Lock()
	if a.index == nil {
		a.index = map[Port]attachment{}
	}
	if existing, ok := a.index[port]; ok {
		port.SetHandler(existing.previous)
		delete(a.index, port)
	}
	previous := port.Handler()
	a.gen++
	gen := a.gen
	a.index[port] = attachment{previous: previous, gen: gen}
	port.SetHandler(Chain(previous, h))
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.detach(port, gen)
		})
	}
}

// Detach restores the handler port had before it was attached. It reports
// whether port was attached.
func (a *Attachments) Detach(port Port) bool {
	return a.detach(port, 0)
}

// detach with a non-zero gen only removes the attachment that produced gen.
func (a *Attachments) detach(port Port, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.index[port]
	if !ok || (gen != 0 && existing.gen != gen) {
		return false
	}
	delete(a.index, port)
	port.SetHandler(existing.previous)
	return true
}

// Attached reports whether port currently carries an attachment.
func (a *Attachments) Attached(port Port) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.index[port]
	return ok
}
