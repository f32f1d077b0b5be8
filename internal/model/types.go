package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Trading Types
// -----------------------------------------------------------------------------

// Side is the direction of an order or trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide normalizes a venue side string ("buy", "BUY", "Sell").
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	}
	return "", false
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// -----------------------------------------------------------------------------
// Market Types
// -----------------------------------------------------------------------------

// Token is one outcome token of a binary market.
type Token struct {
	ID      string // ERC-1155 position id as decimal string
	Outcome string // e.g. "Yes", "No"
}

// Market holds the trading parameters of one binary market (condition).
type Market struct {
	ConditionID  string          // 0x-prefixed condition id
	Tokens       [2]Token        // Complementary outcome tokens
	TickSize     decimal.Decimal // Minimum price increment
	MinOrderSize decimal.Decimal // Minimum order size in shares
	NegRisk      bool            // Settled through the neg-risk adapter
	Active       bool            // Accepting orders
	Closed       bool            // Resolved or closed
}

// HasToken reports whether tokenID is one of the market's outcome tokens.
func (m Market) HasToken(tokenID string) bool {
	return m.Tokens[0].ID == tokenID || m.Tokens[1].ID == tokenID
}

// Complement returns the other outcome token of the pair.
func (m Market) Complement(tokenID string) (string, bool) {
	switch tokenID {
	case m.Tokens[0].ID:
		return m.Tokens[1].ID, true
	case m.Tokens[1].ID:
		return m.Tokens[0].ID, true
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Book Types
// -----------------------------------------------------------------------------

// PriceLevel is one aggregated level of an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Quote is the top of book for one instrument. Zero values mean the side is empty.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Mid returns the midpoint of a two-sided quote, or zero if either side is empty.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Equal reports whether two quotes have the same bid and ask.
func (q Quote) Equal(o Quote) bool {
	return q.Bid.Equal(o.Bid) && q.Ask.Equal(o.Ask)
}
