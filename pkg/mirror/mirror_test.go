package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statebridge/pkg/protocol"
	"github.com/goliatone/go-statebridge/pkg/selector"
	"github.com/goliatone/go-statebridge/pkg/transport"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Send(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
	return nil
}

func (r *recorder) raw() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func handle(m *Mirror, raw string) {
	m.HandleMessage(context.Background(), raw)
}

func TestInitThenUpdate(t *testing.T) {
	m := New(&recorder{})
	_, ok := m.GetStore("counter")
	require.False(t, ok)

	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":0}}`)
	s, ok := m.GetStore("counter")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"value": 0.0}, s.Snapshot())

	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"replace","path":"/value","value":1}]}`)
	assert.Equal(t, map[string]any{"value": 1.0}, s.Snapshot())
	assert.Equal(t, uint64(2), s.Revision())
	assert.Equal(t, []string{"counter"}, m.Keys())
}

func TestSubscribeReplaysAndFollows(t *testing.T) {
	m := New(&recorder{})
	handle(m, `{"type":"STATE_INIT","storeKey":"todos","data":{"items":[]}}`)
	s, _ := m.GetStore("todos")

	var seen []any
	unsubscribe := s.Subscribe(func(snapshot any) { seen = append(seen, snapshot) })
	require.Len(t, seen, 1)

	handle(m, `{"type":"STATE_UPDATE","storeKey":"todos","operations":[{"op":"add","path":"/items/-","value":"milk"}]}`)
	unsubscribe()
	handle(m, `{"type":"STATE_UPDATE","storeKey":"todos","operations":[{"op":"add","path":"/items/-","value":"eggs"}]}`)

	require.Len(t, seen, 2)
	assert.Equal(t, map[string]any{"items": []any{"milk"}}, seen[1])
	assert.Equal(t, map[string]any{"items": []any{"milk", "eggs"}}, s.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New(&recorder{})
	handle(m, `{"type":"STATE_INIT","storeKey":"k","data":{"nested":{"n":1}}}`)
	s, _ := m.GetStore("k")

	snap := s.Snapshot().(map[string]any)
	snap["nested"].(map[string]any)["n"] = 99.0
	s.Subscribe(func(snapshot any) {
		snapshot.(map[string]any)["nested"] = nil
	})

	assert.Equal(t, map[string]any{"nested": map[string]any{"n": 1.0}}, s.Snapshot())
}

func TestUpdateForUnknownStoreIsIgnored(t *testing.T) {
	m := New(&recorder{})
	handle(m, `{"type":"STATE_UPDATE","storeKey":"ghost","operations":[{"op":"replace","path":"/value","value":1}]}`)
	_, ok := m.GetStore("ghost")
	assert.False(t, ok)
}

func TestDesyncKeepsSnapshotAndRequestsResync(t *testing.T) {
	var logs bytes.Buffer
	rec := &recorder{}
	m := New(rec, WithLogger(quietLogger(&logs)))
	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":0}}`)
	s, _ := m.GetStore("counter")

	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"remove","path":"/missing"}]}`)
	assert.Equal(t, map[string]any{"value": 0.0}, s.Snapshot())
	assert.True(t, s.Stale())
	assert.Contains(t, logs.String(), "mirror desynchronized")
	assert.Equal(t, []string{`{"type":"BRIDGE_READY"}`}, rec.raw())

	// later patches are relative to a snapshot this view never saw
	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"replace","path":"/value","value":5}]}`)
	assert.Equal(t, map[string]any{"value": 0.0}, s.Snapshot())

	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":7}}`)
	assert.False(t, s.Stale())
	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"replace","path":"/value","value":8}]}`)
	assert.Equal(t, map[string]any{"value": 8.0}, s.Snapshot())
}

func TestDesyncWithoutAutoResync(t *testing.T) {
	rec := &recorder{}
	m := New(rec, WithAutoResync(false), WithLogger(quietLogger(&bytes.Buffer{})))
	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":0}}`)
	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"test","path":"/value","value":3}]}`)
	assert.Empty(t, rec.raw())
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	var logs bytes.Buffer
	m := New(&recorder{}, WithLogger(quietLogger(&logs)))
	for _, raw := range []string{
		"{",
		`{"type":"STATE_UPDATE","storeKey":"k"}`,
		`{"type":"EVENT","storeKey":"k","event":{"type":"X"}}`,
		`{"type":"BRIDGE_READY"}`,
	} {
		assert.NotPanics(t, func() { handle(m, raw) }, raw)
	}
	assert.Empty(t, m.Keys())
	assert.Contains(t, logs.String(), "dropped malformed message")
}

func TestDispatchSendsEventWithoutTouchingCache(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":0}}`)
	s, _ := m.GetStore("counter")

	require.NoError(t, s.Dispatch(context.Background(), map[string]any{"type": "SET", "value": 42}))
	assert.Equal(t, map[string]any{"value": 0.0}, s.Snapshot())
	require.Len(t, rec.raw(), 1)
	assert.JSONEq(t, `{"type":"EVENT","storeKey":"counter","event":{"type":"SET","value":42}}`, rec.raw()[0])

	var perr *protocol.ProtocolError
	assert.ErrorAs(t, s.Dispatch(context.Background(), map[string]any{"value": 1}), &perr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Dispatch(ctx, map[string]any{"type": "SET"}), context.Canceled)
}

func TestAvailabilityListeners(t *testing.T) {
	m := New(&recorder{})
	var keys []string
	unsubscribe := m.Subscribe(func(key string) { keys = append(keys, key) })

	handle(m, `{"type":"STATE_INIT","storeKey":"a","data":{}}`)
	handle(m, `{"type":"STATE_UPDATE","storeKey":"a","operations":[{"op":"add","path":"/x","value":1}]}`)
	handle(m, `{"type":"STATE_INIT","storeKey":"b","data":{}}`)
	unsubscribe()
	handle(m, `{"type":"STATE_INIT","storeKey":"c","data":{}}`)

	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestIsSupported(t *testing.T) {
	assert.True(t, New(&recorder{}).IsSupported())
	assert.False(t, New(nil).IsSupported())
	assert.False(t, New(&recorder{}, WithSupportCheck(func() bool { return false })).IsSupported())
	assert.ErrorIs(t, New(nil).Ready(), transport.ErrClosed)
}

func TestDecodeSnapshot(t *testing.T) {
	type counter struct {
		Value int `json:"value"`
	}
	m := New(&recorder{})
	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":3,"extra":true}}`)
	s, _ := m.GetStore("counter")

	got, err := DecodeSnapshot[counter](s)
	require.NoError(t, err)
	assert.Equal(t, counter{Value: 3}, got)

	_, err = DecodeSnapshot[counter](s, Strict())
	assert.Error(t, err)
}

func TestDecodeNullSnapshot(t *testing.T) {
	type counter struct {
		Value int `json:"value"`
	}
	m := New(&recorder{})
	handle(m, `{"type":"STATE_INIT","storeKey":"empty","data":null}`)
	s, ok := m.GetStore("empty")
	require.True(t, ok)

	_, err := DecodeSnapshot[*counter](s)
	assert.Error(t, err)

	got, err := DecodeSnapshot[*counter](s, AllowNull())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeNormalizeAndValidate(t *testing.T) {
	type counter struct {
		Value int `json:"value"`
	}
	errTooLarge := errors.New("value too large")
	maxValue := func(limit int) DecodeOption {
		return Validate(func(storeKey string, value any) error {
			if c := value.(counter); c.Value > limit {
				return fmt.Errorf("%s: %w", storeKey, errTooLarge)
			}
			return nil
		})
	}
	legacyField := Normalize(func(_ string, snapshot any) (any, error) {
		fields, ok := snapshot.(map[string]any)
		if !ok {
			return nil, nil
		}
		if count, ok := fields["count"]; ok {
			fields["value"] = count
			delete(fields, "count")
		}
		return fields, nil
	})

	m := New(&recorder{})
	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"count":7}}`)
	s, _ := m.GetStore("counter")

	got, err := DecodeSnapshot[counter](s, Strict(), legacyField, maxValue(10))
	require.NoError(t, err)
	assert.Equal(t, counter{Value: 7}, got)
	assert.Equal(t, map[string]any{"count": 7.0}, s.Snapshot())

	_, err = DecodeSnapshot[counter](s, legacyField, maxValue(5))
	assert.ErrorIs(t, err, errTooLarge)
	assert.Contains(t, err.Error(), "counter")
}

func TestSelectNotifiesOnDistinctValues(t *testing.T) {
	m := New(&recorder{})
	handle(m, `{"type":"STATE_INIT","storeKey":"counter","data":{"value":1,"label":"a"}}`)
	s, _ := m.GetStore("counter")

	var values []any
	cancel := s.Select(selector.MustNew("value * 10"), func(value any, err error) {
		require.NoError(t, err)
		values = append(values, value)
	})
	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"replace","path":"/label","value":"b"}]}`)
	handle(m, `{"type":"STATE_UPDATE","storeKey":"counter","operations":[{"op":"replace","path":"/value","value":2}]}`)
	cancel()

	assert.Equal(t, []any{10.0, 20.0}, values)
}

func TestAttachChainsPortHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host, view := transport.NewPipe(ctx)

	var previous []string
	var mu sync.Mutex
	view.SetHandler(transport.HandlerFunc(func(_ context.Context, message string) {
		mu.Lock()
		previous = append(previous, message)
		mu.Unlock()
	}))
	m, detach := Attach(view)

	require.NoError(t, host.Send(`{"type":"STATE_INIT","storeKey":"k","data":{"v":1}}`))
	view.Flush()
	_, ok := m.GetStore("k")
	assert.True(t, ok)

	detach()
	require.NoError(t, host.Send(`{"type":"STATE_INIT","storeKey":"other","data":{}}`))
	view.Flush()
	_, ok = m.GetStore("other")
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, previous, 2)
}
