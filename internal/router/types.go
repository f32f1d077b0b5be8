package router

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/model"
)

// Event types carried in the event_type field of inbound event frames.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventLastTradePrice = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
	EventOrder          = "order"
	EventTrade          = "trade"
)

// channelOf returns the channel an event type belongs to.
func channelOf(eventType string) (connection.Channel, bool) {
	switch eventType {
	case EventBook, EventPriceChange, EventLastTradePrice, EventTickSizeChange:
		return connection.ChannelMarket, true
	case EventOrder, EventTrade:
		return connection.ChannelUser, true
	}
	return "", false
}

// envelope is an inbound event frame.
type envelope struct {
	Type      string             `json:"type"`
	Channel   connection.Channel `json:"channel"`
	EventType string             `json:"event_type"`
	Timestamp int64              `json:"ts"` // venue time, unix ms
	Payload   json.RawMessage    `json:"payload"`
}

// -----------------------------------------------------------------------------
// Market Channel Events
// -----------------------------------------------------------------------------

// BookEvent is a full book snapshot for one asset.
type BookEvent struct {
	AssetID    string             `json:"asset_id"`
	Market     string             `json:"market"`
	Bids       []model.PriceLevel `json:"bids"`
	Asks       []model.PriceLevel `json:"asks"`
	Hash       string             `json:"hash"`
	Timestamp  time.Time          `json:"-"`
	ReceivedAt time.Time          `json:"-"`
}

// PriceChange is one level change. BestBid/BestAsk are the venue's top of
// book after the change.
type PriceChange struct {
	AssetID string          `json:"asset_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    model.Side      `json:"side"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
}

// PriceChangeEvent groups the changes of one frame for one asset.
type PriceChangeEvent struct {
	AssetID    string
	Market     string
	Changes    []PriceChange
	Timestamp  time.Time
	ReceivedAt time.Time
}

type priceChangePayload struct {
	Market       string        `json:"market"`
	PriceChanges []PriceChange `json:"price_changes"`
}

// LastTradeEvent reports the last traded price of an asset.
type LastTradeEvent struct {
	AssetID    string          `json:"asset_id"`
	Market     string          `json:"market"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Side       model.Side      `json:"side"`
	FeeRateBps string          `json:"fee_rate_bps"`
	Timestamp  time.Time       `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}

// TickSizeEvent reports a tick size change for an asset.
type TickSizeEvent struct {
	AssetID     string          `json:"asset_id"`
	Market      string          `json:"market"`
	OldTickSize decimal.Decimal `json:"old_tick_size"`
	NewTickSize decimal.Decimal `json:"new_tick_size"`
	Timestamp   time.Time       `json:"-"`
	ReceivedAt  time.Time       `json:"-"`
}

// -----------------------------------------------------------------------------
// User Channel Events
// -----------------------------------------------------------------------------

// Order event types.
const (
	OrderPlacement    = "PLACEMENT"
	OrderUpdate       = "UPDATE"
	OrderCancellation = "CANCELLATION"
)

// OrderEvent is a lifecycle event for one of the user's orders.
type OrderEvent struct {
	ID           string          `json:"id"` // venue order id
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Side         model.Side      `json:"side"`
	Price        decimal.Decimal `json:"price"`
	OriginalSize decimal.Decimal `json:"original_size"`
	SizeMatched  decimal.Decimal `json:"size_matched"`
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"-"`
	ReceivedAt   time.Time       `json:"-"`
}

// Trade statuses.
const (
	TradeMatched   = "MATCHED"
	TradeMined     = "MINED"
	TradeConfirmed = "CONFIRMED"
	TradeRetrying  = "RETRYING"
	TradeFailed    = "FAILED"
)

// MakerOrder is one maker leg of a trade.
type MakerOrder struct {
	OrderID       string          `json:"order_id"`
	Owner         string          `json:"owner"` // API key owning the maker order
	AssetID       string          `json:"asset_id"`
	MatchedAmount decimal.Decimal `json:"matched_amount"`
	Price         decimal.Decimal `json:"price"`
}

// TradeEvent is a trade involving one of the user's orders, as taker or maker.
type TradeEvent struct {
	ID           string          `json:"id"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Side         model.Side      `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Status       string          `json:"status"`
	TakerOrderID string          `json:"taker_order_id"`
	Owner        string          `json:"owner"` // API key owning the taker order
	MakerOrders  []MakerOrder    `json:"maker_orders"`
	Timestamp    time.Time       `json:"-"`
	ReceivedAt   time.Time       `json:"-"`
}

// -----------------------------------------------------------------------------
// Derived Events
// -----------------------------------------------------------------------------

// PairUpdate combines the latest top of book of two complementary assets.
type PairUpdate struct {
	AssetA    string
	AssetB    string
	A         model.Quote
	B         model.Quote
	Timestamp time.Time
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Handle identifies a subscription.
type Handle uint64

// Callbacks receives a subscription's events. Nil callbacks are skipped.
// Callbacks for one subscription run sequentially in arrival order.
type Callbacks struct {
	OnBook        func(BookEvent)
	OnPriceChange func(PriceChangeEvent)
	OnLastTrade   func(LastTradeEvent)
	OnTickSize    func(TickSizeEvent)
	OnOrder       func(OrderEvent)
	OnTrade       func(TradeEvent)
	OnPair        func(PairUpdate)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	pair bool
}

// WithPair requests pair updates for a two-asset market subscription.
func WithPair() SubscribeOption {
	return func(o *subscribeOptions) {
		o.pair = true
	}
}

// -----------------------------------------------------------------------------
// Config & Stats
// -----------------------------------------------------------------------------

// Config holds configuration for the registry and dispatcher.
type Config struct {
	QueueSize int // Initial per-subscription queue capacity
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	Subscriptions    int // Effective venue subscriptions
	Consumers        int // Callback registrations sharing them
	Books            int
	QueueDepth       int   // Sum of pending deliveries across subscriptions
	Delivered        int64 // Callbacks run by live subscriptions
	QueueResizes     int
}
