package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/model"
)

// Source identifies the input that produced a record change.
type Source string

const (
	SourceLocal   Source = "local"   // created before the confirm call
	SourceConfirm Source = "confirm" // POST /order response
	SourceCancel  Source = "cancel"  // DELETE /order response
	SourcePoll    Source = "poll"    // GET /data/order
	SourcePush    Source = "push"    // user-channel order event
	SourceTrade   Source = "trade"   // user-channel trade event
)

// Record is a snapshot of one locally created order.
type Record struct {
	ClientID      string          `json:"client_id"`
	VenueID       string          `json:"venue_id,omitempty"`
	Market        string          `json:"market"`
	AssetID       string          `json:"asset_id"`
	Side          model.Side      `json:"side"`
	Price         decimal.Decimal `json:"price"`
	OriginalSize  decimal.Decimal `json:"original_size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	Status        Status          `json:"status"`
	OrderType     string          `json:"order_type"`
	Source        Source          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	TerminalAt    time.Time       `json:"terminal_at,omitempty"`
}

// change is one observation about an order from any input.
type change struct {
	status  Status          // empty when the input carries only a fill
	filled  decimal.Decimal // absolute matched size, zero if unknown
	tradeID string          // set for trade fills, which add to the sum
	fill    decimal.Decimal // trade fill amount
	source  Source
	at      time.Time
}

// entry is a stored record with its own lock.
type entry struct {
	mu  sync.Mutex
	rec Record

	// trade id -> fill, for deduplicating repeated trade statuses
	trades   map[string]decimal.Decimal
	tradeSum decimal.Decimal
}

func newEntry(rec Record) *entry {
	return &entry{rec: rec, trades: make(map[string]decimal.Decimal)}
}

// apply merges c into the entry. Caller holds e.mu. Returns the previous
// status and whether anything changed.
func (e *entry) apply(c change) (Status, bool) {
	if c.tradeID != "" {
		if _, seen := e.trades[c.tradeID]; seen {
			return e.rec.Status, false
		}
		e.trades[c.tradeID] = c.fill
		e.tradeSum = e.tradeSum.Add(c.fill)
		c.filled = decimal.Max(c.filled, e.tradeSum)
	}

	next, changed := merge(e.rec, c)
	prev := e.rec.Status
	if changed {
		e.rec = next
	}
	return prev, changed
}

// merge returns rec advanced by c. Status only moves to a higher rank, filled
// size only grows, and REJECTED is reachable only from SUBMITTED. FILLED
// outranks CANCELLED: fills that complete a cancelled order (a cancel racing
// the match) turn it FILLED, while partial fills keep it CANCELLED.
func merge(rec Record, c change) (Record, bool) {
	status := rec.Status
	filled := rec.FilledSize

	if c.filled.GreaterThan(filled) {
		filled = c.filled
	}
	if filled.GreaterThan(rec.OriginalSize) && rec.OriginalSize.IsPositive() {
		filled = rec.OriginalSize
	}

	if c.status != "" && c.status.Rank() > status.Rank() {
		if c.status != StatusRejected || status == StatusSubmitted {
			status = c.status
		}
	}
	if !status.Terminal() || status == StatusCancelled {
		if derived := statusFromFill(status, rec.OriginalSize, filled); derived.Rank() > status.Rank() {
			status = derived
		}
	}

	if status == rec.Status && filled.Equal(rec.FilledSize) {
		return rec, false
	}

	rec.Status = status
	rec.FilledSize = filled
	rec.RemainingSize = rec.OriginalSize.Sub(filled)
	if rec.RemainingSize.IsNegative() {
		rec.RemainingSize = decimal.Zero
	}
	rec.Source = c.source
	rec.UpdatedAt = c.at
	if status.Terminal() && rec.TerminalAt.IsZero() {
		rec.TerminalAt = c.at
	}
	return rec, true
}
