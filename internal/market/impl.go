package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/clob-sync/internal/model"
)

// Config holds Market Registry configuration.
type Config struct {
	ConditionIDs      []string      // Markets loaded at startup
	ReconcileInterval time.Duration // Periodic refresh of cached markets
	FetchTimeout      time.Duration // Per-market fetch timeout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 5 * time.Minute,
		FetchTimeout:      10 * time.Second,
	}
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg    Config
	rest   Fetcher
	logger *slog.Logger

	state   *registryState
	flights singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a new Market Registry.
func NewRegistry(cfg Config, rest Fetcher, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}

	return &registryImpl{
		cfg:    cfg,
		rest:   rest,
		logger: logger.With("component", "market_registry"),
		state:  newState(),
	}
}

// Start loads configured markets and begins background refresh.
func (r *registryImpl) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	// Initial sync (blocking).
	if err := r.initialSync(r.ctx); err != nil {
		r.cancel()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconciliationLoop(r.ctx)
	}()

	r.logger.Info("market registry started", "markets", len(r.state.all()))
	return nil
}

// Stop gracefully shuts down.
func (r *registryImpl) Stop(ctx context.Context) error {
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
		r.logger.Info("market registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Market returns a cached market or fetches it. Concurrent misses for the
// same condition share one request.
func (r *registryImpl) Market(ctx context.Context, conditionID string) (model.Market, error) {
	if m, ok := r.state.getMarket(conditionID); ok {
		return m, nil
	}

	v, err, _ := r.flights.Do(conditionID, func() (interface{}, error) {
		return r.load(ctx, conditionID)
	})
	if err != nil {
		return model.Market{}, err
	}
	return v.(model.Market), nil
}

// Lookup returns a cached market without fetching.
func (r *registryImpl) Lookup(conditionID string) (model.Market, bool) {
	return r.state.getMarket(conditionID)
}

// ByToken returns the cached market carrying tokenID.
func (r *registryImpl) ByToken(tokenID string) (model.Market, bool) {
	return r.state.byToken(tokenID)
}

// Markets returns all cached markets.
func (r *registryImpl) Markets() []model.Market {
	return r.state.all()
}

// SetTickSize applies a tick size change pushed by the venue.
func (r *registryImpl) SetTickSize(tokenID string, tick decimal.Decimal) {
	change, ok := r.state.setTickSize(tokenID, tick)
	if !ok {
		return
	}
	r.logger.Info("tick size changed",
		"condition_id", change.ConditionID,
		"token_id", tokenID,
		"tick_size", tick.String(),
	)
	r.state.notifyChange(change)
}

// SubscribeChanges returns a channel of market changes.
func (r *registryImpl) SubscribeChanges() <-chan Change {
	return r.state.changes
}
