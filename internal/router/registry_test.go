package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/clob-sync/internal/auth"
	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/errs"
)

// fakeConn records frames and lets tests fail requests.
type fakeConn struct {
	mu        sync.Mutex
	frames    []connection.Frame
	listeners []connection.ConnectListener
	err       error
}

func (c *fakeConn) Request(_ context.Context, f connection.Frame) (connection.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	if c.err != nil {
		return connection.Response{}, c.err
	}
	return connection.Response{Type: connection.TypeSubscribed, Channel: f.Channel}, nil
}

func (c *fakeConn) OnConnect(l connection.ConnectListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *fakeConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeConn) connect() {
	c.mu.Lock()
	ls := append([]connection.ConnectListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		l(context.Background())
	}
}

func (c *fakeConn) sent(op string) []connection.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []connection.Frame
	for _, f := range c.frames {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func testCreds(t *testing.T) *auth.Credentials {
	t.Helper()
	creds, err := auth.NewCredentials("key-1", "c2VjcmV0LWtleS1mb3ItdGVzdHM=", "pass-1", "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	return creds
}

func newTestRegistry(t *testing.T, creds *auth.Credentials) (*Registry, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	r := NewRegistry(DefaultConfig(), conn, creds, nil)
	t.Cleanup(r.Close)
	return r, conn
}

func newTestDispatcher(r *Registry) *Dispatcher {
	return NewDispatcher(r, make(chan connection.RawMessage), nil)
}

// frame builds an inbound event frame.
func frame(t *testing.T, channel connection.Channel, eventType string, payload any) connection.RawMessage {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{
		"type":       connection.TypeEvent,
		"channel":    channel,
		"event_type": eventType,
		"ts":         time.Now().UnixMilli(),
		"payload":    json.RawMessage(body),
	})
	require.NoError(t, err)
	return connection.RawMessage{Data: data, ReceivedAt: time.Now()}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func requireNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	r, conn := newTestRegistry(t, nil)
	d := newTestDispatcher(r)
	ctx := context.Background()

	first := make(chan BookEvent, 4)
	second := make(chan BookEvent, 4)

	h1, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"tok-b", "tok-a"},
		Callbacks{OnBook: func(ev BookEvent) { first <- ev }})
	require.NoError(t, err)
	h2, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"tok-a", " tok-b", "tok-a"},
		Callbacks{OnBook: func(ev BookEvent) { second <- ev }})
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Equal(t, 1, r.Len())
	require.Len(t, conn.sent(connection.OpSubscribe), 1)
	require.Equal(t, []string{"tok-a", "tok-b"}, conn.sent(connection.OpSubscribe)[0].Targets)

	d.route(frame(t, connection.ChannelMarket, EventBook, map[string]any{
		"asset_id": "tok-a",
		"bids":     []map[string]string{{"price": "0.40", "size": "10"}},
		"asks":     []map[string]string{{"price": "0.60", "size": "10"}},
	}))

	ev := recv(t, first)
	require.Equal(t, "tok-a", ev.AssetID)
	requireNone(t, first)
	requireNone(t, second)

	// One reference left: no unsubscribe frame yet.
	require.NoError(t, r.Unsubscribe(ctx, h1))
	require.Empty(t, conn.sent(connection.OpUnsubscribe))
	require.Equal(t, 1, r.Len())

	require.NoError(t, r.Unsubscribe(ctx, h2))
	require.Len(t, conn.sent(connection.OpUnsubscribe), 1)
	require.Equal(t, 0, r.Len())

	require.ErrorIs(t, r.Unsubscribe(ctx, h1), ErrUnknownHandle)
}

func TestSubscribeValidation(t *testing.T) {
	r, conn := newTestRegistry(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    connection.Channel
		targets []string
		opts    []SubscribeOption
		want    errs.Kind
	}{
		{"unknown kind", "trades", []string{"a"}, nil, errs.KindValidation},
		{"no targets", connection.ChannelMarket, nil, nil, errs.KindValidation},
		{"blank target", connection.ChannelMarket, []string{"a", "  "}, nil, errs.KindValidation},
		{"wildcard mixed", connection.ChannelMarket, []string{"*", "a"}, nil, errs.KindValidation},
		{"pair needs two", connection.ChannelMarket, []string{"a", "b", "c"}, []SubscribeOption{WithPair()}, errs.KindValidation},
		{"pair wildcard", connection.ChannelMarket, []string{"*"}, []SubscribeOption{WithPair()}, errs.KindValidation},
		{"user without credentials", connection.ChannelUser, []string{"0xabc"}, nil, errs.KindAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Subscribe(ctx, tt.kind, tt.targets, Callbacks{}, tt.opts...)
			require.Error(t, err)
			require.True(t, errs.IsKind(err, tt.want), "kind = %s", errs.KindOf(err))
		})
	}

	require.Empty(t, conn.sent(connection.OpSubscribe))
	require.Equal(t, 0, r.Len())
}

func TestSubscribeRejected(t *testing.T) {
	r, conn := newTestRegistry(t, testCreds(t))
	conn.setErr(errs.New(errs.KindAuth, "connection.request", errs.WithCause(connection.ErrSubscriptionRejected)))

	_, err := r.Subscribe(context.Background(), connection.ChannelUser, []string{"0xabc"}, Callbacks{})
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindAuth))
	require.Equal(t, 0, r.Len())
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	r, conn := newTestRegistry(t, nil)
	conn.setErr(connection.ErrNotConnected)

	h, err := r.Subscribe(context.Background(), connection.ChannelMarket, []string{"tok-a"}, Callbacks{})
	require.NoError(t, err)
	require.NotZero(t, h)
	require.Equal(t, 1, r.Len())

	conn.setErr(nil)
	conn.connect()
	require.Len(t, conn.sent(connection.OpSubscribe), 2)
}

func TestResubscribeOnConnect(t *testing.T) {
	r, conn := newTestRegistry(t, testCreds(t))
	ctx := context.Background()

	_, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"tok-a", "tok-b"}, Callbacks{})
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, connection.ChannelMarket, []string{"tok-b", "tok-a"}, Callbacks{})
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, connection.ChannelUser, []string{"0xabc"}, Callbacks{})
	require.NoError(t, err)
	require.Len(t, conn.sent(connection.OpSubscribe), 2)

	conn.connect()

	frames := conn.sent(connection.OpSubscribe)
	require.Len(t, frames, 4)
	resent := frames[2:]
	require.Equal(t, connection.ChannelMarket, resent[0].Channel)
	require.Nil(t, resent[0].Auth)
	require.Equal(t, connection.ChannelUser, resent[1].Channel)
	require.NotNil(t, resent[1].Auth)
	require.Equal(t, "key-1", resent[1].Auth.APIKey)

	conn.connect()
	require.Len(t, conn.sent(connection.OpSubscribe), 6)
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	d := newTestDispatcher(r)

	got := make(chan string, 4)
	calls := 0
	_, err := r.Subscribe(context.Background(), connection.ChannelMarket, []string{"tok-a"}, Callbacks{
		OnLastTrade: func(ev LastTradeEvent) {
			calls++
			if calls == 1 {
				panic("boom")
			}
			got <- ev.Price.String()
		},
	})
	require.NoError(t, err)

	d.route(frame(t, connection.ChannelMarket, EventLastTradePrice, map[string]any{"asset_id": "tok-a", "price": "0.5"}))
	d.route(frame(t, connection.ChannelMarket, EventLastTradePrice, map[string]any{"asset_id": "tok-a", "price": "0.51"}))

	require.Equal(t, "0.51", recv(t, got))
}

func TestUnknownHandle(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	err := r.Unsubscribe(context.Background(), Handle(42))
	require.True(t, errors.Is(err, ErrUnknownHandle))
}
