package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/book"
	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/model"
)

// TickSizeSink receives tick size changes for the market parameter cache.
type TickSizeSink interface {
	SetTickSize(assetID string, tick decimal.Decimal)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTickSizeSink forwards tick_size_change events to sink.
func WithTickSizeSink(sink TickSizeSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.tickSink = sink
	}
}

// WithBooks shares an existing book set with the dispatcher.
func WithBooks(books *book.Set) DispatcherOption {
	return func(d *Dispatcher) {
		d.books = books
	}
}

// Dispatcher parses inbound event frames and delivers them to subscriptions.
type Dispatcher struct {
	registry *Registry
	books    *book.Set
	tickSink TickSizeSink
	logger   *slog.Logger

	// Input from Connection Manager
	input <-chan connection.RawMessage

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.RWMutex
	received        int64
	routed          int64
	parseErrors     int64
	unknownMessages int64
}

// NewDispatcher creates a dispatcher reading from input.
func NewDispatcher(registry *Registry, input <-chan connection.RawMessage, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		registry: registry,
		input:    input,
		logger:   logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.books == nil {
		d.books = book.NewSet()
	}
	return d
}

// Start begins routing messages.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.routeLoop()

	d.logger.Info("event dispatcher started")
	return nil
}

// Stop halts routing. Pending deliveries are drained by Registry.Close.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping event dispatcher")

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("event dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("event dispatcher stop timed out")
	}
	return nil
}

// Books returns the local order books.
func (d *Dispatcher) Books() *book.Set {
	return d.books
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	s := Stats{
		MessagesReceived: d.received,
		MessagesRouted:   d.routed,
		ParseErrors:      d.parseErrors,
		UnknownMessages:  d.unknownMessages,
	}
	d.mu.RUnlock()

	s.Subscriptions = d.registry.Len()
	s.Consumers = d.registry.Consumers()
	s.Books = d.books.Len()
	q := d.registry.queueStats()
	s.QueueDepth = q.Pending
	s.Delivered = q.Popped
	s.QueueResizes = q.Resizes
	return s
}

func (d *Dispatcher) routeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case raw, ok := <-d.input:
			if !ok {
				d.logger.Info("input channel closed")
				return
			}
			d.route(raw)
		}
	}
}

func (d *Dispatcher) incr(counter *int64) {
	d.mu.Lock()
	*counter++
	d.mu.Unlock()
}

// route parses and delivers a single frame.
func (d *Dispatcher) route(raw connection.RawMessage) {
	d.incr(&d.received)

	var env envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		d.logger.Warn("failed to parse frame", "error", err)
		d.incr(&d.parseErrors)
		return
	}
	if env.Type != connection.TypeEvent {
		d.logger.Debug("skipping frame", "type", env.Type)
		d.incr(&d.unknownMessages)
		return
	}

	channel, known := channelOf(env.EventType)
	if !known {
		d.logger.Debug("skipping event type", "event_type", env.EventType)
		d.incr(&d.unknownMessages)
		return
	}
	if env.Channel != channel {
		d.logger.Warn("event on wrong channel",
			"event_type", env.EventType,
			"channel", env.Channel,
		)
		d.incr(&d.parseErrors)
		return
	}

	ts := raw.ReceivedAt
	if env.Timestamp > 0 {
		ts = time.UnixMilli(env.Timestamp)
	}

	var (
		delivered int
		err       error
	)
	switch env.EventType {
	case EventBook:
		delivered, err = d.routeBook(env.Payload, ts, raw.ReceivedAt)
	case EventPriceChange:
		delivered, err = d.routePriceChange(env.Payload, ts, raw.ReceivedAt)
	case EventLastTradePrice:
		delivered, err = d.routeLastTrade(env.Payload, ts, raw.ReceivedAt)
	case EventTickSizeChange:
		delivered, err = d.routeTickSize(env.Payload, ts, raw.ReceivedAt)
	case EventOrder:
		delivered, err = d.routeOrder(env.Payload, ts, raw.ReceivedAt)
	case EventTrade:
		delivered, err = d.routeTrade(env.Payload, ts, raw.ReceivedAt)
	}
	if err != nil {
		d.logger.Warn("failed to parse event", "event_type", env.EventType, "error", err)
		d.incr(&d.parseErrors)
		return
	}
	if delivered > 0 {
		d.incr(&d.routed)
	}
}

func (d *Dispatcher) routeBook(payload []byte, ts, receivedAt time.Time) (int, error) {
	var ev BookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, err
	}
	if ev.AssetID == "" {
		return 0, fmt.Errorf("book event missing asset_id")
	}
	ev.Timestamp, ev.ReceivedAt = ts, receivedAt

	b := d.books.Get(ev.AssetID)
	b.Snapshot(ev.Bids, ev.Asks, ev.Hash, ts)

	n := 0
	top := b.Top()
	for _, s := range d.registry.matching(connection.ChannelMarket, ev.AssetID) {
		if s.cb.OnBook != nil {
			cb := s.cb.OnBook
			s.deliver(func() { cb(ev) })
			n++
		}
		n += d.deliverPair(s, ev.AssetID, top, ts)
	}
	return n, nil
}

func (d *Dispatcher) routePriceChange(payload []byte, ts, receivedAt time.Time) (int, error) {
	var p priceChangePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, err
	}

	// One frame may carry changes for several assets; deliver per asset in
	// first-seen order.
	var order []string
	byAsset := make(map[string][]PriceChange)
	for _, c := range p.PriceChanges {
		if c.AssetID == "" {
			return 0, fmt.Errorf("price change missing asset_id")
		}
		if !c.Side.Valid() {
			side, ok := model.ParseSide(string(c.Side))
			if !ok {
				return 0, fmt.Errorf("price change has invalid side %q", c.Side)
			}
			c.Side = side
		}
		if _, ok := byAsset[c.AssetID]; !ok {
			order = append(order, c.AssetID)
		}
		byAsset[c.AssetID] = append(byAsset[c.AssetID], c)
	}

	n := 0
	for _, assetID := range order {
		changes := byAsset[assetID]
		b := d.books.Get(assetID)
		for _, c := range changes {
			b.Apply(c.Side, c.Price, c.Size, ts)
		}

		top := b.Top()
		if !b.Synced() {
			last := changes[len(changes)-1]
			top = model.Quote{Bid: last.BestBid, Ask: last.BestAsk}
		}

		ev := PriceChangeEvent{
			AssetID:    assetID,
			Market:     p.Market,
			Changes:    changes,
			Timestamp:  ts,
			ReceivedAt: receivedAt,
		}
		for _, s := range d.registry.matching(connection.ChannelMarket, assetID) {
			if s.cb.OnPriceChange != nil {
				cb := s.cb.OnPriceChange
				s.deliver(func() { cb(ev) })
				n++
			}
			n += d.deliverPair(s, assetID, top, ts)
		}
	}
	return n, nil
}

func (d *Dispatcher) routeLastTrade(payload []byte, ts, receivedAt time.Time) (int, error) {
	var ev LastTradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, err
	}
	ev.Timestamp, ev.ReceivedAt = ts, receivedAt

	n := 0
	for _, s := range d.registry.matching(connection.ChannelMarket, ev.AssetID) {
		if s.cb.OnLastTrade != nil {
			cb := s.cb.OnLastTrade
			s.deliver(func() { cb(ev) })
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) routeTickSize(payload []byte, ts, receivedAt time.Time) (int, error) {
	var ev TickSizeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, err
	}
	ev.Timestamp, ev.ReceivedAt = ts, receivedAt

	if d.tickSink != nil && ev.AssetID != "" && ev.NewTickSize.IsPositive() {
		d.tickSink.SetTickSize(ev.AssetID, ev.NewTickSize)
	}

	n := 0
	for _, s := range d.registry.matching(connection.ChannelMarket, ev.AssetID) {
		if s.cb.OnTickSize != nil {
			cb := s.cb.OnTickSize
			s.deliver(func() { cb(ev) })
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) routeOrder(payload []byte, ts, receivedAt time.Time) (int, error) {
	var ev OrderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, err
	}
	if ev.ID == "" {
		return 0, fmt.Errorf("order event missing id")
	}
	ev.Timestamp, ev.ReceivedAt = ts, receivedAt

	n := 0
	for _, s := range d.registry.matching(connection.ChannelUser, ev.Market) {
		if s.cb.OnOrder != nil {
			cb := s.cb.OnOrder
			s.deliver(func() { cb(ev) })
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) routeTrade(payload []byte, ts, receivedAt time.Time) (int, error) {
	var ev TradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, err
	}
	if ev.ID == "" {
		return 0, fmt.Errorf("trade event missing id")
	}
	ev.Timestamp, ev.ReceivedAt = ts, receivedAt

	n := 0
	for _, s := range d.registry.matching(connection.ChannelUser, ev.Market) {
		if s.cb.OnTrade != nil {
			cb := s.cb.OnTrade
			s.deliver(func() { cb(ev) })
			n++
		}
	}
	return n, nil
}

// deliverPair feeds a side's top of book into a pair subscription.
func (d *Dispatcher) deliverPair(s *subscription, assetID string, top model.Quote, ts time.Time) int {
	if s.pair == nil || s.cb.OnPair == nil {
		return 0
	}
	upd, ok := s.pair.observe(assetID, top, ts)
	if !ok {
		return 0
	}
	cb := s.cb.OnPair
	s.deliver(func() { cb(upd) })
	return 1
}
