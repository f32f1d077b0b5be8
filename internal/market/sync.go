package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/clob-sync/internal/model"
)

// initialSync fetches every configured market on startup.
func (r *registryImpl) initialSync(ctx context.Context) error {
	if len(r.cfg.ConditionIDs) == 0 {
		return nil
	}

	r.logger.Info("starting initial market sync", "markets", len(r.cfg.ConditionIDs))
	start := time.Now()

	for _, id := range r.cfg.ConditionIDs {
		if _, err := r.load(ctx, id); err != nil {
			return err
		}
	}

	r.state.mu.Lock()
	r.state.lastSyncAt = time.Now()
	r.state.mu.Unlock()

	r.logger.Info("initial sync complete",
		"markets", len(r.cfg.ConditionIDs),
		"duration", time.Since(start),
	)
	return nil
}

// load fetches one market and stores it.
func (r *registryImpl) load(ctx context.Context, conditionID string) (model.Market, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	am, err := r.rest.GetMarket(fetchCtx, conditionID)
	if err != nil {
		return model.Market{}, fmt.Errorf("fetch market %s: %w", conditionID, err)
	}
	m, err := am.ToModel()
	if err != nil {
		return model.Market{}, err
	}

	if change, ok := r.state.upsert(m); ok {
		r.state.notifyChange(change)
	}
	return m, nil
}

// reconciliationLoop periodically refreshes cached markets.
func (r *registryImpl) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile refetches every cached market to catch changes missed on the socket.
func (r *registryImpl) reconcile(ctx context.Context) {
	start := time.Now()
	markets := r.state.all()

	var failed int
	for _, m := range markets {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.load(ctx, m.ConditionID); err != nil {
			failed++
			r.logger.Warn("market refresh failed", "condition_id", m.ConditionID, "error", err)
		}
	}

	r.state.mu.Lock()
	r.state.lastSyncAt = time.Now()
	r.state.mu.Unlock()

	r.logger.Debug("reconciliation complete",
		"markets", len(markets),
		"failed", failed,
		"duration", time.Since(start),
	)
}
