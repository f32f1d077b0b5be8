package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/api"
	"github.com/rickgao/clob-sync/internal/errs"
	"github.com/rickgao/clob-sync/internal/model"
	"github.com/rickgao/clob-sync/internal/router"
)

var (
	// ErrRejected is the cause of errors for orders the venue refused.
	ErrRejected = errors.New("order rejected")
	// ErrNotFound is the cause of errors for unknown client ids.
	ErrNotFound = errors.New("order not found")
	// ErrNotAcknowledged is returned when cancelling an order with no venue id.
	ErrNotAcknowledged = errors.New("order not acknowledged by venue")
)

// Signer produces the signed payload for an order. Key management lives with
// the caller.
type Signer interface {
	Sign(ctx context.Context, spec Spec, m model.Market) (api.SignedOrder, error)
}

// Venue is the subset of the REST client the reconciler calls.
type Venue interface {
	PostOrder(ctx context.Context, req api.PostOrderRequest) (*api.PostOrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*api.CancelOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*api.APIOrder, error)
}

// Markets supplies market trading parameters.
type Markets interface {
	Market(ctx context.Context, conditionID string) (model.Market, error)
}

// Archive persists records beyond the in-memory grace window.
type Archive interface {
	// Save queues rec for persistence. It must not block.
	Save(rec Record)
	// Load returns the latest saved record, or an error matching ErrNotFound.
	Load(ctx context.Context, clientID string) (Record, error)
}

// Config holds reconciler configuration.
type Config struct {
	Owner           string          // API key sent as the order owner
	MinNotional     decimal.Decimal // Minimum price*size, zero disables
	GraceWindow     time.Duration   // How long terminal records stay watched
	JanitorInterval time.Duration   // Eviction sweep interval
	PendingTTL      time.Duration   // How long pushes for unbound venue ids are kept
	MaxPending      int             // Max unbound venue ids held
	Shards          int             // Record index shards
	UpdateBuffer    int             // Updates() channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinNotional:     decimal.NewFromInt(1),
		GraceWindow:     5 * time.Minute,
		JanitorInterval: 30 * time.Second,
		PendingTTL:      2 * time.Minute,
		MaxPending:      4096,
		Shards:          16,
		UpdateBuffer:    1024,
	}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithArchive sets the archive used for persistence and evicted lookups.
func WithArchive(a Archive) Option {
	return func(r *Reconciler) {
		r.archive = a
	}
}

// WithTransitionHook registers fn to observe every status transition.
func WithTransitionHook(fn func(from, to Status)) Option {
	return func(r *Reconciler) {
		r.onTransition = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler owns the order records.
type Reconciler struct {
	cfg          Config
	venue        Venue
	signer       Signer
	markets      Markets
	archive      Archive
	onTransition func(from, to Status)
	now          func() time.Time
	logger       *slog.Logger

	store   *store
	updates chan Record

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config, venue Venue, signer Signer, markets Markets, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaults.GraceWindow
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaults.JanitorInterval
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaults.PendingTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaults.MaxPending
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaults.Shards
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaults.UpdateBuffer
	}

	r := &Reconciler{
		cfg:     cfg,
		venue:   venue,
		signer:  signer,
		markets: markets,
		now:     time.Now,
		logger:  logger.With("component", "order_reconciler"),
		store:   newStore(cfg.Shards, cfg.MaxPending),
		updates: make(chan Record, cfg.UpdateBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the eviction janitor.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.janitorLoop()

	r.logger.Info("order reconciler started",
		"grace_window", r.cfg.GraceWindow,
		"shards", r.cfg.Shards,
	)
	return nil
}

// Stop halts the janitor. Records stay readable.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("order reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Callbacks returns user-channel callbacks feeding this reconciler.
func (r *Reconciler) Callbacks() router.Callbacks {
	return router.Callbacks{
		OnOrder: r.HandleOrderEvent,
		OnTrade: r.HandleTradeEvent,
	}
}

// Updates delivers every applied record change. When the consumer falls
// behind the oldest pending update is dropped.
func (r *Reconciler) Updates() <-chan Record {
	return r.updates
}

// CreateOrder validates spec locally, signs it and issues the confirm call.
// The returned record is watched. A transport failure leaves the record
// SUBMITTED and returns the error; a venue refusal marks it REJECTED and
// returns an error matching ErrRejected.
func (r *Reconciler) CreateOrder(ctx context.Context, spec Spec) (Record, error) {
	const op = "order.create"

	if err := validateShape(spec); err != nil {
		return Record{}, err
	}
	m, err := r.markets.Market(ctx, spec.Market)
	if err != nil {
		return Record{}, fmt.Errorf("load market %s: %w", spec.Market, err)
	}
	if err := validateForMarket(spec, m, r.cfg.MinNotional); err != nil {
		return Record{}, err
	}

	signed, err := r.signer.Sign(ctx, spec, m)
	if err != nil {
		return Record{}, fmt.Errorf("sign order: %w", err)
	}

	orderType := spec.OrderType
	if orderType == "" {
		orderType = api.OrderTypeGTC
	}
	now := r.now()
	clientID := uuid.NewString()
	e := newEntry(Record{
		ClientID:      clientID,
		Market:        spec.Market,
		AssetID:       spec.AssetID,
		Side:          spec.Side,
		Price:         spec.Price,
		OriginalSize:  spec.Size,
		RemainingSize: spec.Size,
		Status:        StatusSubmitted,
		OrderType:     orderType,
		Source:        SourceLocal,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	r.store.put(e)
	e.mu.Lock()
	r.publish("", e.rec)
	e.mu.Unlock()

	resp, err := r.venue.PostOrder(ctx, api.PostOrderRequest{
		Order:     signed,
		Owner:     r.cfg.Owner,
		OrderType: orderType,
	})
	switch {
	case err != nil && errs.IsKind(err, errs.KindTransport):
		r.logger.Warn("order confirm outcome unknown",
			"client_id", clientID,
			"error", err,
		)
		return r.snapshot(e), err

	case err != nil:
		rec := r.reject(e, err.Error())
		kind := errs.KindVenue
		if errs.IsKind(err, errs.KindAuth) {
			kind = errs.KindAuth
		}
		return rec, errs.New(kind, op, errs.WithCause(fmt.Errorf("%w: %w", ErrRejected, err)))

	case !resp.Success || resp.OrderID == "":
		msg := resp.ErrorMsg
		if msg == "" {
			msg = "venue did not accept the order"
		}
		rec := r.reject(e, msg)
		return rec, errs.New(errs.KindVenue, op, errs.WithMessage(msg), errs.WithCause(ErrRejected))
	}

	return r.confirm(e, resp), nil
}

// confirm binds the venue id and applies the placement result, then replays
// pushes that arrived before the id was known.
func (r *Reconciler) confirm(e *entry, resp *api.PostOrderResponse) Record {
	e.mu.Lock()
	filled := placementFill(e.rec.Side, resp)
	e.rec.VenueID = resp.OrderID
	prev, _ := e.apply(change{
		status: statusFromPlacement(resp.Status, e.rec.OriginalSize, filled),
		filled: filled,
		source: SourceConfirm,
		at:     r.now(),
	})
	r.publish(prev, e.rec)
	e.mu.Unlock()

	parked := r.store.bind(resp.OrderID, e)
	for _, c := range parked {
		r.update(e, c)
	}

	rec := r.snapshot(e)
	r.logger.Info("order confirmed",
		"client_id", rec.ClientID,
		"venue_id", rec.VenueID,
		"placement", resp.Status,
		"status", rec.Status,
		"replayed", len(parked),
	)
	return rec
}

func (r *Reconciler) reject(e *entry, reason string) Record {
	rec, _ := r.update(e, change{status: StatusRejected, source: SourceConfirm, at: r.now()})
	r.logger.Warn("order rejected", "client_id", rec.ClientID, "reason", reason)
	return rec
}

// placementFill returns the shares matched at placement. For buys the taking
// amount is shares; for sells the making amount is.
func placementFill(side model.Side, resp *api.PostOrderResponse) decimal.Decimal {
	raw := resp.TakingAmount
	if side == model.Sell {
		raw = resp.MakingAmount
	}
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// CancelOrder cancels a watched order. Cancelling a terminal order succeeds
// without a venue call. If the venue reports the order already matched, the
// record is refreshed from GET order instead of failing.
func (r *Reconciler) CancelOrder(ctx context.Context, clientID string) (Record, error) {
	const op = "order.cancel"

	e, ok := r.store.get(clientID)
	if !ok {
		return Record{}, errs.New(errs.KindNotFound, op, errs.WithField("client_id"), errs.WithCause(ErrNotFound))
	}
	rec := r.snapshot(e)
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.VenueID == "" {
		return rec, errs.New(errs.KindValidation, op, errs.WithField("client_id"), errs.WithCause(ErrNotAcknowledged))
	}

	resp, err := r.venue.CancelOrder(ctx, rec.VenueID)
	if err != nil {
		return rec, err
	}

	for _, id := range resp.Canceled {
		if id == rec.VenueID {
			rec, _ = r.update(e, change{status: StatusCancelled, source: SourceCancel, at: r.now()})
			r.logger.Info("order cancelled", "client_id", clientID, "venue_id", rec.VenueID, "status", rec.Status)
			return rec, nil
		}
	}

	if reason, ok := resp.NotCanceled[rec.VenueID]; ok && !api.IsMatchedReason(reason) {
		return rec, errs.New(errs.KindVenue, op, errs.WithMessage(reason))
	}

	// Already matched, or the venue did not mention the id: ask for the truth.
	o, err := r.venue.GetOrder(ctx, rec.VenueID)
	if err != nil {
		return rec, err
	}
	rec, _ = r.ApplyVenueOrder(o)
	r.logger.Info("order refreshed after cancel", "client_id", clientID, "status", rec.Status)
	return rec, nil
}

// Get returns the record for clientID, falling back to the archive once the
// record has been evicted.
func (r *Reconciler) Get(ctx context.Context, clientID string) (Record, error) {
	if e, ok := r.store.get(clientID); ok {
		return r.snapshot(e), nil
	}
	if r.archive != nil {
		rec, err := r.archive.Load(ctx, clientID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
	}
	return Record{}, errs.New(errs.KindNotFound, "order.get", errs.WithField("client_id"), errs.WithCause(ErrNotFound))
}

// GetByVenueID returns a watched record by venue id.
func (r *Reconciler) GetByVenueID(venueID string) (Record, bool) {
	e, ok := r.store.getByVenue(venueID)
	if !ok {
		return Record{}, false
	}
	return r.snapshot(e), true
}

// Watched returns snapshots of all watched records.
func (r *Reconciler) Watched() []Record {
	entries := r.store.entries()
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e))
	}
	return out
}

// Len returns the number of watched records.
func (r *Reconciler) Len() int {
	return r.store.len()
}

// Parked returns the number of venue ids with parked pushes.
func (r *Reconciler) Parked() int {
	return r.store.parkedLen()
}

// Unwatch drops a record from the watch set regardless of status.
func (r *Reconciler) Unwatch(clientID string) bool {
	e, ok := r.store.get(clientID)
	if !ok {
		return false
	}
	rec := r.snapshot(e)
	r.store.remove(e, rec.ClientID, rec.VenueID)
	r.logger.Debug("order unwatched", "client_id", clientID, "status", rec.Status)
	return true
}

// HandleOrderEvent applies a user-channel order event.
func (r *Reconciler) HandleOrderEvent(ev router.OrderEvent) {
	c := change{filled: ev.SizeMatched, source: SourcePush, at: r.now()}
	switch ev.Type {
	case router.OrderPlacement, router.OrderUpdate:
		c.status = StatusOpen
	case router.OrderCancellation:
		c.status = StatusCancelled
	default:
		r.logger.Debug("ignoring order event", "venue_id", ev.ID, "type", ev.Type)
		return
	}
	r.applyVenue(ev.ID, c)
}

// HandleTradeEvent applies the fills of a user-channel trade event to our
// taker or maker orders. Each trade id counts once per order. Legs owned by
// other accounts are never parked; they can only match a bound record.
func (r *Reconciler) HandleTradeEvent(ev router.TradeEvent) {
	if ev.Status == router.TradeFailed {
		r.logger.Warn("trade failed", "trade_id", ev.ID, "taker_order_id", ev.TakerOrderID)
		return
	}
	now := r.now()

	if ev.TakerOrderID != "" {
		r.applyLeg(ev.TakerOrderID, ev.Owner, change{tradeID: ev.ID, fill: ev.Size, source: SourceTrade, at: now})
	}
	for _, mo := range ev.MakerOrders {
		if mo.OrderID == "" {
			continue
		}
		r.applyLeg(mo.OrderID, mo.Owner, change{tradeID: ev.ID, fill: mo.MatchedAmount, source: SourceTrade, at: now})
	}
}

// applyLeg applies one trade leg. Unbound legs are parked only when owned by
// the configured owner.
func (r *Reconciler) applyLeg(venueID, owner string, c change) {
	if e, ok := r.store.getByVenue(venueID); ok {
		r.update(e, c)
		return
	}
	if r.cfg.Owner == "" || owner != r.cfg.Owner {
		return
	}
	r.applyVenue(venueID, c)
}

// Watch starts tracking an order placed elsewhere. The record is seeded from
// GET order and bound to venueID; pushes parked for it are replayed. Watching
// an already watched venue id returns the existing record.
func (r *Reconciler) Watch(ctx context.Context, venueID string) (Record, error) {
	const op = "order.watch"

	if venueID == "" {
		return Record{}, errs.New(errs.KindValidation, op, errs.WithField("venue_id"), errs.WithMessage("venue id is required"))
	}
	if e, ok := r.store.getByVenue(venueID); ok {
		return r.snapshot(e), nil
	}

	o, err := r.venue.GetOrder(ctx, venueID)
	if err != nil {
		return Record{}, fmt.Errorf("get order %s: %w", venueID, err)
	}
	if o == nil || o.ID == "" {
		return Record{}, errs.New(errs.KindNotFound, op, errs.WithField("venue_id"), errs.WithCause(ErrNotFound))
	}
	if r.cfg.Owner != "" && o.Owner != "" && o.Owner != r.cfg.Owner {
		return Record{}, errs.New(errs.KindValidation, op, errs.WithField("venue_id"), errs.WithMessage("order belongs to another owner"))
	}

	status, known := statusFromVenue(o.Status, o.OriginalSize, o.SizeMatched)
	if !known {
		r.logger.Warn("unknown venue order status", "venue_id", o.ID, "status", o.Status)
		status = StatusSubmitted
	}
	side, _ := model.ParseSide(o.Side)
	orderType := o.OrderType
	if orderType == "" {
		orderType = api.OrderTypeGTC
	}
	now := r.now()
	created := now
	if o.CreatedAt > 0 {
		created = time.Unix(o.CreatedAt, 0)
	}

	e := newEntry(Record{
		ClientID:      uuid.NewString(),
		VenueID:       venueID,
		Market:        o.Market,
		AssetID:       o.AssetID,
		Side:          side,
		Price:         o.Price,
		OriginalSize:  o.OriginalSize,
		RemainingSize: o.OriginalSize,
		Status:        StatusSubmitted,
		OrderType:     orderType,
		Source:        SourcePoll,
		CreatedAt:     created,
		UpdatedAt:     now,
	})
	e.mu.Lock()
	e.apply(change{status: status, filled: o.SizeMatched, source: SourcePoll, at: now})
	e.mu.Unlock()

	existing, parked := r.store.adopt(venueID, e)
	if existing != nil {
		return r.snapshot(existing), nil
	}

	e.mu.Lock()
	r.publish("", e.rec)
	e.mu.Unlock()
	for _, c := range parked {
		r.update(e, c)
	}

	rec := r.snapshot(e)
	r.logger.Info("watching order",
		"client_id", rec.ClientID,
		"venue_id", venueID,
		"status", rec.Status,
		"replayed", len(parked),
	)
	return rec, nil
}

// ApplyVenueOrder merges a GET order result into the matching record.
func (r *Reconciler) ApplyVenueOrder(o *api.APIOrder) (Record, bool) {
	e, ok := r.store.getByVenue(o.ID)
	if !ok {
		return Record{}, false
	}
	status, known := statusFromVenue(o.Status, o.OriginalSize, o.SizeMatched)
	if !known {
		r.logger.Warn("unknown venue order status", "venue_id", o.ID, "status", o.Status)
	}
	return r.update(e, change{status: status, filled: o.SizeMatched, source: SourcePoll, at: r.now()})
}

func (r *Reconciler) applyVenue(venueID string, c change) {
	e, parked := r.store.lookupOrPark(venueID, c)
	if e == nil {
		if parked {
			r.logger.Debug("parked event for unbound order", "venue_id", venueID, "source", c.source)
		} else {
			r.logger.Warn("dropped event for unbound order, parking full", "venue_id", venueID)
		}
		return
	}
	r.update(e, c)
}

// update applies c under the record lock and publishes any change.
func (r *Reconciler) update(e *entry, c change) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, changed := e.apply(c)
	if changed {
		r.publish(prev, e.rec)
	}
	return e.rec, changed
}

func (r *Reconciler) snapshot(e *entry) Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// publish fans a change out to the hook, archive and Updates. Caller holds
// the record lock so changes of one record are published in order.
func (r *Reconciler) publish(prev Status, rec Record) {
	if r.onTransition != nil && prev != rec.Status {
		r.onTransition(prev, rec.Status)
	}
	if r.archive != nil {
		r.archive.Save(rec)
	}

	select {
	case r.updates <- rec:
		return
	default:
	}
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- rec:
	default:
	}
}

func (r *Reconciler) janitorLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evict(r.now())
		}
	}
}

// evict drops terminal records older than the grace window and expired
// parked pushes.
func (r *Reconciler) evict(now time.Time) {
	var evicted int
	for _, e := range r.store.entries() {
		rec := r.snapshot(e)
		if !rec.Status.Terminal() || rec.TerminalAt.IsZero() {
			continue
		}
		if now.Sub(rec.TerminalAt) < r.cfg.GraceWindow {
			continue
		}
		r.store.remove(e, rec.ClientID, rec.VenueID)
		evicted++
	}

	expired := r.store.expireParked(now.Add(-r.cfg.PendingTTL))
	if evicted > 0 || expired > 0 {
		r.logger.Debug("eviction sweep",
			"evicted", evicted,
			"expired_parked", expired,
			"watched", r.store.len(),
		)
	}
}
