package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/clob-sync/internal/api"
	"github.com/rickgao/clob-sync/internal/order"
)

// OrderSource provides watched orders and accepts fetched states.
// *order.Reconciler implements it.
type OrderSource interface {
	Watched() []order.Record
	ApplyVenueOrder(o *api.APIOrder) (order.Record, bool)
}

// Fetcher fetches one order by venue id. *api.Client implements it.
type Fetcher interface {
	GetOrder(ctx context.Context, orderID string) (*api.APIOrder, error)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 10s)
	Concurrency int           // Max concurrent requests (default: 8)
	Timeout     time.Duration // Per-request timeout (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Concurrency: 8,
		Timeout:     5 * time.Second,
	}
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Polled  int64
	Changed int64
	Errors  int64
}

// Poller periodically refreshes open orders via REST API.
type Poller struct {
	cfg    Config
	client Fetcher
	orders OrderSource
	logger *slog.Logger

	totals struct {
		cycles, polled, changed, errors atomic.Int64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, client Fetcher, orders OrderSource, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:    cfg,
		client: client,
		orders: orders,
		logger: logger.With("component", "order_poller"),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("order poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("order poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce refreshes every pollable order once.
func (p *Poller) PollOnce(ctx context.Context) CycleStats {
	start := time.Now()

	var ids []string
	for _, rec := range p.orders.Watched() {
		if rec.VenueID == "" || rec.Status.Terminal() {
			continue
		}
		ids = append(ids, rec.VenueID)
	}
	if len(ids) == 0 {
		p.logger.Debug("no open orders to poll")
		return CycleStats{}
	}

	var polled, changed, errs atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			ok, err := p.pollOrder(gctx, id)
			if err != nil {
				p.logger.Warn("failed to poll order", "venue_id", id, "error", err)
				errs.Add(1)
				return nil
			}
			polled.Add(1)
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := CycleStats{Polled: polled.Load(), Changed: changed.Load(), Errors: errs.Load()}
	p.totals.cycles.Add(1)
	p.totals.polled.Add(stats.Polled)
	p.totals.changed.Add(stats.Changed)
	p.totals.errors.Add(stats.Errors)
	p.logger.Debug("poll cycle complete",
		"orders", len(ids),
		"polled", stats.Polled,
		"changed", stats.Changed,
		"errors", stats.Errors,
		"duration", time.Since(start),
	)
	return stats
}

// Totals returns counters accumulated over all cycles that polled at least
// one order.
func (p *Poller) Totals() (cycles int64, stats CycleStats) {
	return p.totals.cycles.Load(), CycleStats{
		Polled:  p.totals.polled.Load(),
		Changed: p.totals.changed.Load(),
		Errors:  p.totals.errors.Load(),
	}
}

// pollOrder fetches one order and merges it. Reports whether the record changed.
func (p *Poller) pollOrder(ctx context.Context, venueID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	o, err := p.client.GetOrder(ctx, venueID)
	if err != nil {
		return false, err
	}
	if o.ID == "" {
		o.ID = venueID
	}
	_, changed := p.orders.ApplyVenueOrder(o)
	return changed, nil
}
