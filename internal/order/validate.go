package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/api"
	"github.com/rickgao/clob-sync/internal/errs"
	"github.com/rickgao/clob-sync/internal/model"
)

// Spec describes an order to create.
type Spec struct {
	Market    string          // condition id
	AssetID   string          // outcome token id
	Side      model.Side      // BUY or SELL
	Price     decimal.Decimal // limit price, strictly between 0 and 1
	Size      decimal.Decimal // shares
	OrderType string          // GTC (default), FOK or GTD
}

var one = decimal.NewFromInt(1)

// validateShape checks the fields that need no market parameters.
func validateShape(spec Spec) error {
	const op = "order.create"

	switch {
	case strings.TrimSpace(spec.Market) == "":
		return errs.Validation(op, "market", "market is required")
	case strings.TrimSpace(spec.AssetID) == "":
		return errs.Validation(op, "asset_id", "asset_id is required")
	case !spec.Side.Valid():
		return errs.Validation(op, "side", fmt.Sprintf("side must be BUY or SELL, got %q", spec.Side))
	case !spec.Price.IsPositive() || spec.Price.GreaterThanOrEqual(one):
		return errs.Validation(op, "price", fmt.Sprintf("price %s must be between 0 and 1 exclusive", spec.Price))
	case !spec.Size.IsPositive():
		return errs.Validation(op, "size", "size must be positive")
	}

	switch spec.OrderType {
	case "", api.OrderTypeGTC, api.OrderTypeFOK, api.OrderTypeGTD:
	default:
		return errs.Validation(op, "order_type", fmt.Sprintf("unknown order type %q", spec.OrderType))
	}
	return nil
}

// validateForMarket checks spec against the market's trading parameters.
func validateForMarket(spec Spec, m model.Market, minNotional decimal.Decimal) error {
	const op = "order.create"

	if !m.HasToken(spec.AssetID) {
		return errs.Validation(op, "asset_id", fmt.Sprintf("asset %s is not an outcome of market %s", spec.AssetID, m.ConditionID))
	}
	if m.Closed || !m.Active {
		return errs.Validation(op, "market", fmt.Sprintf("market %s is not accepting orders", m.ConditionID))
	}

	if m.TickSize.IsPositive() {
		if !spec.Price.Mod(m.TickSize).IsZero() {
			return errs.Validation(op, "price", fmt.Sprintf("price %s is not a multiple of tick size %s", spec.Price, m.TickSize))
		}
		if spec.Price.LessThan(m.TickSize) || spec.Price.GreaterThan(one.Sub(m.TickSize)) {
			return errs.Validation(op, "price", fmt.Sprintf("price %s outside [%s, %s]", spec.Price, m.TickSize, one.Sub(m.TickSize)))
		}
	}

	if m.MinOrderSize.IsPositive() && spec.Size.LessThan(m.MinOrderSize) {
		return errs.Validation(op, "size", fmt.Sprintf("size %s below minimum %s", spec.Size, m.MinOrderSize))
	}

	if notional := spec.Price.Mul(spec.Size); minNotional.IsPositive() && notional.LessThan(minNotional) {
		return errs.Validation(op, "size", fmt.Sprintf("notional %s below minimum %s", notional, minNotional))
	}
	return nil
}
