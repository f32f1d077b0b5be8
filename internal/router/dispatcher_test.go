package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/model"
)

func level(price, size string) map[string]string {
	return map[string]string{"price": price, "size": size}
}

func bookPayload(asset, bid, ask string) map[string]any {
	return map[string]any{
		"asset_id": asset,
		"market":   "0xcond",
		"bids":     []map[string]string{level(bid, "100")},
		"asks":     []map[string]string{level(ask, "100")},
		"hash":     "h-" + asset,
	}
}

func quote(bid, ask string) model.Quote {
	return model.Quote{Bid: decimal.RequireFromString(bid), Ask: decimal.RequireFromString(ask)}
}

func TestNoCrossChannelDelivery(t *testing.T) {
	r, _ := newTestRegistry(t, testCreds(t))
	d := newTestDispatcher(r)
	ctx := context.Background()

	marketOrders := make(chan OrderEvent, 4)
	marketBooks := make(chan BookEvent, 4)
	userOrders := make(chan OrderEvent, 4)
	userBooks := make(chan BookEvent, 4)

	_, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"*"}, Callbacks{
		OnBook:  func(ev BookEvent) { marketBooks <- ev },
		OnOrder: func(ev OrderEvent) { marketOrders <- ev },
	})
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, connection.ChannelUser, []string{"*"}, Callbacks{
		OnBook:  func(ev BookEvent) { userBooks <- ev },
		OnOrder: func(ev OrderEvent) { userOrders <- ev },
	})
	require.NoError(t, err)

	d.route(frame(t, connection.ChannelUser, EventOrder, map[string]any{
		"id": "venue-1", "market": "0xcond", "asset_id": "tok-a", "side": "BUY",
		"price": "0.5", "original_size": "10", "size_matched": "0", "type": OrderPlacement,
	}))
	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("tok-a", "0.40", "0.60")))

	require.Equal(t, "venue-1", recv(t, userOrders).ID)
	require.Equal(t, "tok-a", recv(t, marketBooks).AssetID)
	requireNone(t, marketOrders)
	requireNone(t, userBooks)

	// An order event claiming the market channel is dropped.
	d.route(frame(t, connection.ChannelMarket, EventOrder, map[string]any{"id": "venue-2", "market": "0xcond"}))
	requireNone(t, marketOrders)
	requireNone(t, userOrders)
	require.Equal(t, int64(1), d.Stats().ParseErrors)
}

func TestUserEventsMatchMarketID(t *testing.T) {
	r, _ := newTestRegistry(t, testCreds(t))
	d := newTestDispatcher(r)

	trades := make(chan TradeEvent, 4)
	_, err := r.Subscribe(context.Background(), connection.ChannelUser, []string{"0xcond-1"}, Callbacks{
		OnTrade: func(ev TradeEvent) { trades <- ev },
	})
	require.NoError(t, err)

	d.route(frame(t, connection.ChannelUser, EventTrade, map[string]any{"id": "t-2", "market": "0xcond-2", "status": TradeMatched}))
	d.route(frame(t, connection.ChannelUser, EventTrade, map[string]any{"id": "t-1", "market": "0xcond-1", "status": TradeMatched}))

	require.Equal(t, "t-1", recv(t, trades).ID)
	requireNone(t, trades)
}

func TestPairUpdateLaw(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	d := newTestDispatcher(r)

	pairs := make(chan PairUpdate, 8)
	books := make(chan BookEvent, 8)
	_, err := r.Subscribe(context.Background(), connection.ChannelMarket, []string{"yes", "no"}, Callbacks{
		OnBook: func(ev BookEvent) { books <- ev },
		OnPair: func(u PairUpdate) { pairs <- u },
	}, WithPair())
	require.NoError(t, err)

	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("yes", "0.40", "0.60")))
	require.Equal(t, "yes", recv(t, books).AssetID)
	requireNone(t, pairs)

	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("no", "0.55", "0.45")))
	require.Equal(t, "no", recv(t, books).AssetID)

	u := recv(t, pairs)
	require.Equal(t, "yes", u.AssetA)
	require.Equal(t, "no", u.AssetB)
	require.True(t, u.A.Equal(quote("0.40", "0.60")), "A = %+v", u.A)
	require.True(t, u.B.Equal(quote("0.55", "0.45")), "B = %+v", u.B)

	// A snapshot that leaves the top unchanged produces no pair update.
	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("yes", "0.40", "0.60")))
	recv(t, books)
	requireNone(t, pairs)

	// A delta that moves one side's top does.
	d.route(frame(t, connection.ChannelMarket, EventPriceChange, map[string]any{
		"market": "0xcond",
		"price_changes": []map[string]string{
			{"asset_id": "yes", "price": "0.42", "size": "5", "side": "BUY", "best_bid": "0.42", "best_ask": "0.60"},
		},
	}))
	u = recv(t, pairs)
	require.True(t, u.A.Equal(quote("0.42", "0.60")), "A = %+v", u.A)
	require.True(t, u.B.Equal(quote("0.55", "0.45")), "B = %+v", u.B)
}

func TestPriceChangeSplitsPerAsset(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	d := newTestDispatcher(r)

	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 4)
	_, err := r.Subscribe(context.Background(), connection.ChannelMarket, []string{"tok-a", "tok-b"}, Callbacks{
		OnPriceChange: func(ev PriceChangeEvent) {
			mu.Lock()
			seen[ev.AssetID] += len(ev.Changes)
			mu.Unlock()
			done <- struct{}{}
		},
	})
	require.NoError(t, err)

	d.route(frame(t, connection.ChannelMarket, EventPriceChange, map[string]any{
		"market": "0xcond",
		"price_changes": []map[string]string{
			{"asset_id": "tok-a", "price": "0.40", "size": "10", "side": "buy"},
			{"asset_id": "tok-b", "price": "0.60", "size": "10", "side": "SELL"},
			{"asset_id": "tok-a", "price": "0.39", "size": "5", "side": "BUY"},
			{"asset_id": "tok-c", "price": "0.10", "size": "5", "side": "BUY"},
		},
	}))
	recv(t, done)
	recv(t, done)
	requireNone(t, done)

	mu.Lock()
	require.Equal(t, map[string]int{"tok-a": 2, "tok-b": 1}, seen)
	mu.Unlock()

	b, ok := d.Books().Lookup("tok-a")
	require.True(t, ok)
	require.True(t, b.Top().Bid.Equal(decimal.RequireFromString("0.40")))
	require.Equal(t, 3, d.Stats().Books)
}

func TestDispatcherStartStop(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	input := make(chan connection.RawMessage, 4)
	d := NewDispatcher(r, input, nil)

	got := make(chan LastTradeEvent, 1)
	_, err := r.Subscribe(context.Background(), connection.ChannelMarket, []string{"tok-a"}, Callbacks{
		OnLastTrade: func(ev LastTradeEvent) { got <- ev },
	})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	input <- frame(t, connection.ChannelMarket, EventLastTradePrice, map[string]any{"asset_id": "tok-a", "price": "0.7", "side": "BUY"})
	input <- connection.RawMessage{Data: []byte("not json"), ReceivedAt: time.Now()}

	require.Equal(t, "0.7", recv(t, got).Price.String())
	require.Eventually(t, func() bool { return d.Stats().ParseErrors == 1 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))

	s := d.Stats()
	require.Equal(t, int64(2), s.MessagesReceived)
	require.Equal(t, int64(1), s.MessagesRouted)
	require.Equal(t, int64(1), s.ParseErrors)
	require.Equal(t, 1, s.Subscriptions)
}

type tickRecorder struct {
	mu    sync.Mutex
	ticks map[string]decimal.Decimal
}

func (r *tickRecorder) SetTickSize(assetID string, tick decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[assetID] = tick
}

func TestTickSizeSink(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	sink := &tickRecorder{ticks: map[string]decimal.Decimal{}}
	d := NewDispatcher(r, nil, nil, WithTickSizeSink(sink))

	d.route(frame(t, connection.ChannelMarket, EventTickSizeChange, map[string]any{
		"asset_id": "tok-a", "old_tick_size": "0.01", "new_tick_size": "0.001",
	}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.True(t, sink.ticks["tok-a"].Equal(decimal.RequireFromString("0.001")))
}

// A pair view requested after a plain subscription on the same assets gets its
// own callbacks while the venue sees a single subscription.
func TestPairAlongsidePlainSubscription(t *testing.T) {
	r, conn := newTestRegistry(t, nil)
	d := newTestDispatcher(r)
	ctx := context.Background()

	books := make(chan BookEvent, 8)
	plain, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"yes", "no"}, Callbacks{
		OnBook: func(ev BookEvent) { books <- ev },
	})
	require.NoError(t, err)

	pairs := make(chan PairUpdate, 8)
	paired, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"yes", "no"}, Callbacks{
		OnPair: func(u PairUpdate) { pairs <- u },
	}, WithPair())
	require.NoError(t, err)

	require.NotEqual(t, plain, paired)
	require.Equal(t, 1, r.Len())
	require.Equal(t, 2, r.Consumers())
	require.Len(t, conn.sent(connection.OpSubscribe), 1)

	again, err := r.Subscribe(ctx, connection.ChannelMarket, []string{"no", "yes"}, Callbacks{}, WithPair())
	require.NoError(t, err)
	require.Equal(t, paired, again)
	require.NoError(t, r.Unsubscribe(ctx, again))

	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("yes", "0.40", "0.60")))
	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("no", "0.55", "0.45")))

	require.Equal(t, "yes", recv(t, books).AssetID)
	require.Equal(t, "no", recv(t, books).AssetID)
	u := recv(t, pairs)
	require.Equal(t, "yes", u.AssetA)
	require.True(t, u.B.Equal(quote("0.55", "0.45")), "B = %+v", u.B)

	conn.connect()
	require.Len(t, conn.sent(connection.OpSubscribe), 2)

	require.NoError(t, r.Unsubscribe(ctx, paired))
	require.Empty(t, conn.sent(connection.OpUnsubscribe))
	require.Equal(t, 1, r.Consumers())

	require.NoError(t, r.Unsubscribe(ctx, plain))
	require.Len(t, conn.sent(connection.OpUnsubscribe), 1)
	require.Zero(t, r.Len())
}

func TestStatsReportDeliveries(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	d := newTestDispatcher(r)

	books := make(chan BookEvent, 4)
	_, err := r.Subscribe(context.Background(), connection.ChannelMarket, []string{"yes"}, Callbacks{
		OnBook: func(ev BookEvent) { books <- ev },
	})
	require.NoError(t, err)

	d.route(frame(t, connection.ChannelMarket, EventBook, bookPayload("yes", "0.40", "0.60")))
	recv(t, books)

	require.Eventually(t, func() bool {
		s := d.Stats()
		return s.Delivered == 1 && s.QueueDepth == 0
	}, time.Second, 5*time.Millisecond)
	s := d.Stats()
	require.Equal(t, 1, s.Subscriptions)
	require.Equal(t, 1, s.Consumers)
}
