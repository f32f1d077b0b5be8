package market

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/api"
	"github.com/rickgao/clob-sync/internal/model"
)

// ChangeBufferSize is the capacity of the MarketChange channel.
const ChangeBufferSize = 1000

// ErrUnknownToken is returned when no cached market carries a token id.
var ErrUnknownToken = errors.New("unknown token")

// Change event types.
const (
	ChangeCreated  = "created"
	ChangeTickSize = "tick_size"
	ChangeStatus   = "status_change"
)

// Registry caches market parameters.
type Registry interface {
	// Start loads the configured markets and begins periodic refresh.
	Start(ctx context.Context) error

	// Stop gracefully shuts down.
	Stop(ctx context.Context) error

	// Market returns a market by condition id, fetching it on a cache miss.
	Market(ctx context.Context, conditionID string) (model.Market, error)

	// Lookup returns a cached market by condition id without fetching.
	Lookup(conditionID string) (model.Market, bool)

	// ByToken returns the cached market carrying tokenID.
	ByToken(tokenID string) (model.Market, bool)

	// Markets returns a copy of all cached markets.
	Markets() []model.Market

	// SetTickSize applies a tick_size_change for tokenID.
	SetTickSize(tokenID string, tick decimal.Decimal)

	// SubscribeChanges returns a channel of market changes.
	SubscribeChanges() <-chan Change
}

// Fetcher loads a market from the venue. *api.Client implements it.
type Fetcher interface {
	GetMarket(ctx context.Context, conditionID string) (*api.APIMarket, error)
}

// Change represents a market parameter or status change.
type Change struct {
	ConditionID string
	EventType   string // "created", "tick_size", "status_change"
	Market      model.Market
}
