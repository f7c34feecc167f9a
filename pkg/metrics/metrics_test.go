package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.MessageSent("STATE_INIT")
	c.MessageSent("STATE_INIT")
	c.MessageSent("STATE_UPDATE")
	c.Inbound("EVENT", ResultHandled)
	c.Inbound("", ResultMalformed)
	c.PatchBroadcast(3)
	c.Desync()
	c.ListenerError(KindSubscriber)
	c.SetViews(2)
	c.SetStores(1)

	if got := testutil.ToFloat64(c.messagesSent.WithLabelValues("STATE_INIT")); got != 2 {
		t.Fatalf("expected 2 STATE_INIT, got %v", got)
	}
	if got := testutil.ToFloat64(c.inbound.WithLabelValues("unknown", ResultMalformed)); got != 1 {
		t.Fatalf("expected malformed message counted as unknown, got %v", got)
	}
	if got := testutil.ToFloat64(c.desync); got != 1 {
		t.Fatalf("expected desync 1, got %v", got)
	}
	if got := testutil.ToFloat64(c.views); got != 2 {
		t.Fatalf("expected 2 views, got %v", got)
	}
	if n := testutil.CollectAndCount(c.patchOperations); n != 1 {
		t.Fatalf("expected histogram collected, got %d", n)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.MessageSent("STATE_INIT")
	c.Inbound("EVENT", ResultDropped)
	c.PatchBroadcast(1)
	c.Desync()
	c.ListenerError(KindReady)
	c.SetViews(1)
	c.SetStores(1)
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
