// Package wsport carries bridge messages over a gorilla/websocket connection.
//
// A Port satisfies transport.Port: Send queues a text frame that a dedicated
// writer goroutine delivers in order, and Run reads frames and hands them to
// the installed handler. Either side of the bridge can sit on a Port; a host
// registers it with Registry.Attach, a view with mirror.Attach.
package wsport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goliatone/go-statebridge/pkg/transport"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
)

// ErrQueueFull is returned when the peer does not drain frames fast enough.
var ErrQueueFull = errors.New("wsport: send queue full")

// Option configures a Port.
type Option func(*Port)

// WithQueueSize bounds the number of frames waiting to be written.
func WithQueueSize(n int) Option {
	return func(p *Port) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Port) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithLogger sets the logger for connection errors.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// Port adapts a websocket connection to transport.Port.
type Port struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	queueSize    int
	writeTimeout time.Duration

	mu      sync.Mutex
	handler transport.Handler
	closed  bool
	out     chan string
	done    chan struct{}
	once    sync.Once
}

// New wraps conn and starts its writer goroutine.
func New(conn *websocket.Conn, opts ...Option) *Port {
	p := &Port{
		conn:         conn,
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.out = make(chan string, p.queueSize)
	p.done = make(chan struct{})
	go p.writeLoop()
	return p
}

// Send queues message as a text frame. It never blocks.
func (p *Port) Send(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	select {
	case p.out <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

// Handler returns the handler receiving inbound frames.
func (p *Port) Handler() transport.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// SetHandler replaces the inbound handler.
func (p *Port) SetHandler(h transport.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Run reads frames until the connection fails or ctx is done, then closes
// the port. A normal close by the peer returns nil.
func (p *Port) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { p.Close() })
	defer stop()
	defer p.Close()

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		if h := p.Handler(); h != nil {
			h.HandleMessage(ctx, string(data))
		}
	}
}

// Close stops the writer, sends a close frame and closes the connection.
func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.out)
		p.mu.Unlock()
		<-p.done
		deadline := time.Now().Add(p.writeTimeout)
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = p.conn.Close()
	})
	return err
}

func (p *Port) writeLoop() {
	defer close(p.done)
	for message := range p.out {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
			p.logger.Warn("wsport: write failed", "error", err)
			for range p.out {
			}
			return
		}
	}
}
