package transport

import (
	"context"
	"sync"
)

// PipeEnd is one side of an in-process pipe. Messages sent on one end are
// delivered, in order, to the handler installed on the other end by a
// dedicated goroutine, so a handler may send back without deadlocking.
type PipeEnd struct {
	ctx  context.Context
	peer *PipeEnd

	mu      sync.Mutex
	handler Handler
	queue   []string
	signal  chan struct{}
	closed  bool
	idle    *sync.Cond
	busy    bool
}

// NewPipe returns two connected ends. Delivery stops when ctx is done or an
// end is closed.
func NewPipe(ctx context.Context) (*PipeEnd, *PipeEnd) {
	if ctx == nil {
		ctx = context.Background()
	}
	a := newPipeEnd(ctx)
	b := newPipeEnd(ctx)
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

func newPipeEnd(ctx context.Context) *PipeEnd {
	end := &PipeEnd{
		ctx:    ctx,
		signal: make(chan struct{}, 1),
	}
	end.idle = sync.NewCond(&end.mu)
	return end
}

// Send queues message for delivery to the peer's handler.
func (p *PipeEnd) Send(message string) error {
	peer := p.peer
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return peer.enqueue(message)
}

func (p *PipeEnd) enqueue(message string) error {
	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, message)
	select {
	case p.signal <- struct{}{}:
	default:
	}
	p.mu.Unlock()
	return nil
}

// Handler returns the handler receiving messages sent by the peer.
func (p *PipeEnd) Handler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// SetHandler replaces the inbound handler.
func (p *PipeEnd) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Flush blocks until every message queued for this end so far has been
// handed to its handler. It must not be called from that handler.
func (p *PipeEnd) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for (len(p.queue) > 0 || p.busy) && !p.closed {
		p.idle.Wait()
	}
}

// Close stops delivery to this end and rejects further sends from it.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	close(p.signal)
	p.idle.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *PipeEnd) run() {
	done := p.ctx.Done()
	for {
		select {
		case <-done:
			p.Close()
			return
		case _, ok := <-p.signal:
			if !ok {
				return
			}
		}
		p.drain()
	}
}

func (p *PipeEnd) drain() {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.busy = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		message := p.queue[0]
		p.queue = p.queue[1:]
		handler := p.handler
		p.busy = true
		p.mu.Unlock()

		if handler != nil {
			runHandler(p.ctx, 0, handler, message)
		}
	}
}
