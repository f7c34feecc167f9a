package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingPort struct {
	mu       sync.Mutex
	handler  Handler
	messages []string
}

func (p *recordingPort) Send(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingPort) Handler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *recordingPort) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *recordingPort) deliver(message string) {
	if h := p.Handler(); h != nil {
		h.HandleMessage(context.Background(), message)
	}
}

func TestChainRunsInOrderAndRecovers(t *testing.T) {
	var seen []string
	h := Chain(
		HandlerFunc(func(_ context.Context, m string) { seen = append(seen, "first:"+m) }),
		nil,
		HandlerFunc(func(context.Context, string) { panic("boom") }),
		HandlerFunc(func(_ context.Context, m string) { seen = append(seen, "last:"+m) }),
	)

	h.HandleMessage(context.Background(), "x")

	if len(seen) != 2 || seen[0] != "first:x" || seen[1] != "last:x" {
		t.Fatalf("unexpected handler order %v", seen)
	}
}

func TestAttachChainsPreviousAndRestoresOnDetach(t *testing.T) {
	port := &recordingPort{}
	var calls []string
	original := HandlerFunc(func(_ context.Context, m string) { calls = append(calls, "original:"+m) })
	port.SetHandler(original)

	attachments := NewAttachments()
	detach := attachments.Attach(port, HandlerFunc(func(_ context.Context, m string) { calls = append(calls, "bridge:"+m) }))
	if !attachments.Attached(port) {
		t.Fatalf("expected port to be attached")
	}

	port.deliver("a")
	if len(calls) != 2 || calls[0] != "original:a" || calls[1] != "bridge:a" {
		t.Fatalf("expected original then bridge handler, got %v", calls)
	}

	detach()
	detach()
	calls = nil
	port.deliver("b")
	if len(calls) != 1 || calls[0] != "original:b" {
		t.Fatalf("expected only original handler after detach, got %v", calls)
	}
	if attachments.Attached(port) {
		t.Fatalf("expected port to be detached")
	}
}

func TestStaleDetachDoesNotRemoveNewerAttachment(t *testing.T) {
	port := &recordingPort{}
	attachments := NewAttachments()
	var count int
	stale := attachments.Attach(port, HandlerFunc(func(context.Context, string) { count += 100 }))
	attachments.Attach(port, HandlerFunc(func(context.Context, string) { count++ }))

	stale()
	port.deliver("x")
	if count != 1 {
		t.Fatalf("expected newer attachment to stay installed, count=%d", count)
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, view := NewPipe(ctx)
	var mu sync.Mutex
	var got []string
	view.SetHandler(HandlerFunc(func(_ context.Context, m string) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}))

	for _, m := range []string{"1", "2", "3"} {
		if err := host.Send(m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	view.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("unexpected delivery order %v", got)
	}
}

func TestPipeClosed(t *testing.T) {
	host, view := NewPipe(context.Background())
	if err := view.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := host.Send("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := view.Send("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from closed end, got %v", err)
	}
	host.Close()
}

func TestSenderFunc(t *testing.T) {
	var nilSender SenderFunc
	if err := nilSender.Send("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
