package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/model"
	"github.com/rickgao/clob-sync/internal/order"
)

// upsertOrderSQL never lowers status rank or filled size and never clears a
// terminal timestamp, so writes may land in any order.
const upsertOrderSQL = `
	INSERT INTO orders (client_id, venue_id, market, asset_id, side, price, original_size, filled_size,
		remaining_size, status, status_rank, order_type, source, created_at, updated_at, terminal_at)
	VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (client_id) DO UPDATE SET
		venue_id       = CASE WHEN EXCLUDED.venue_id <> '' THEN EXCLUDED.venue_id ELSE orders.venue_id END,
		filled_size    = GREATEST(orders.filled_size, EXCLUDED.filled_size),
		remaining_size = LEAST(orders.remaining_size, EXCLUDED.remaining_size),
		status         = CASE WHEN EXCLUDED.status_rank > orders.status_rank THEN EXCLUDED.status ELSE orders.status END,
		status_rank    = GREATEST(orders.status_rank, EXCLUDED.status_rank),
		source         = EXCLUDED.source,
		updated_at     = GREATEST(orders.updated_at, EXCLUDED.updated_at),
		terminal_at    = COALESCE(orders.terminal_at, EXCLUDED.terminal_at)
`

const selectOrderSQL = `
	SELECT client_id, venue_id, market, asset_id, side, price::text, original_size::text, filled_size::text,
		remaining_size::text, status, order_type, source, created_at, updated_at, terminal_at
	FROM orders WHERE client_id = $1
`

// OrderArchive persists order records and serves lookups for records the
// reconciler has evicted. It implements order.Archive.
type OrderArchive struct {
	*batcher[order.Record]
	db DB

	mu      sync.Mutex
	pending map[string]order.Record // saved but not yet flushed
}

// NewOrderArchive creates a new OrderArchive.
func NewOrderArchive(cfg WriterConfig, db DB, logger *slog.Logger) *OrderArchive {
	a := &OrderArchive{db: db, pending: make(map[string]order.Record)}
	a.batcher = newBatcher("order_archive", cfg, a.batchUpsert, logger)
	return a
}

// Save queues rec without blocking.
func (a *OrderArchive) Save(rec order.Record) {
	a.mu.Lock()
	a.pending[rec.ClientID] = rec
	a.mu.Unlock()

	if !a.enqueue(rec) {
		a.logger.Warn("archive buffer full, dropping record", "client_id", rec.ClientID, "status", rec.Status)
	}
}

// Load returns the latest record for clientID.
func (a *OrderArchive) Load(ctx context.Context, clientID string) (order.Record, error) {
	a.mu.Lock()
	rec, ok := a.pending[clientID]
	a.mu.Unlock()
	if ok {
		return rec, nil
	}

	var (
		row        archiveRow
		terminalAt *time.Time
	)
	err := a.db.QueryRow(ctx, selectOrderSQL, clientID).Scan(
		&row.ClientID, &row.VenueID, &row.Market, &row.AssetID, &row.Side,
		&row.Price, &row.OriginalSize, &row.FilledSize, &row.RemainingSize,
		&row.Status, &row.OrderType, &row.Source, &row.CreatedAt, &row.UpdatedAt, &terminalAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Record{}, fmt.Errorf("load order %s: %w", clientID, order.ErrNotFound)
	}
	if err != nil {
		return order.Record{}, fmt.Errorf("load order %s: %w", clientID, err)
	}
	if terminalAt != nil {
		row.TerminalAt = *terminalAt
	}
	return row.toRecord()
}

// Start begins flushing to the database.
func (a *OrderArchive) Start(ctx context.Context) error {
	a.start(ctx)
	return nil
}

// Stop drains pending records and flushes them.
func (a *OrderArchive) Stop(ctx context.Context) error {
	return a.stop(ctx)
}

// Stats returns current metrics.
func (a *OrderArchive) Stats() WriterMetrics {
	return a.stats()
}

type archiveRow struct {
	ClientID      string
	VenueID       string
	Market        string
	AssetID       string
	Side          string
	Price         string
	OriginalSize  string
	FilledSize    string
	RemainingSize string
	Status        string
	StatusRank    int
	OrderType     string
	Source        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TerminalAt    time.Time
}

func (a *OrderArchive) transform(rec order.Record) archiveRow {
	return archiveRow{
		ClientID:      rec.ClientID,
		VenueID:       rec.VenueID,
		Market:        rec.Market,
		AssetID:       rec.AssetID,
		Side:          string(rec.Side),
		Price:         rec.Price.String(),
		OriginalSize:  rec.OriginalSize.String(),
		FilledSize:    rec.FilledSize.String(),
		RemainingSize: rec.RemainingSize.String(),
		Status:        string(rec.Status),
		StatusRank:    rec.Status.Rank(),
		OrderType:     rec.OrderType,
		Source:        string(rec.Source),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		TerminalAt:    rec.TerminalAt,
	}
}

func (r archiveRow) toRecord() (order.Record, error) {
	var parsed [4]decimal.Decimal
	for i, s := range []string{r.Price, r.OriginalSize, r.FilledSize, r.RemainingSize} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return order.Record{}, fmt.Errorf("parse archived order %s: %w", r.ClientID, err)
		}
		parsed[i] = d
	}
	return order.Record{
		ClientID:      r.ClientID,
		VenueID:       r.VenueID,
		Market:        r.Market,
		AssetID:       r.AssetID,
		Side:          model.Side(r.Side),
		Price:         parsed[0],
		OriginalSize:  parsed[1],
		FilledSize:    parsed[2],
		RemainingSize: parsed[3],
		Status:        order.Status(r.Status),
		OrderType:     r.OrderType,
		Source:        order.Source(r.Source),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		TerminalAt:    r.TerminalAt,
	}, nil
}

// batchUpsert writes the last snapshot of each order in recs.
func (a *OrderArchive) batchUpsert(ctx context.Context, recs []order.Record) (int, int, error) {
	latest := make(map[string]int, len(recs))
	for i, rec := range recs {
		latest[rec.ClientID] = i
	}

	batch := &pgx.Batch{}
	for i, rec := range recs {
		if latest[rec.ClientID] != i {
			continue
		}
		r := a.transform(rec)
		var terminalAt *time.Time
		if !r.TerminalAt.IsZero() {
			terminalAt = &r.TerminalAt
		}
		batch.Queue(upsertOrderSQL,
			r.ClientID, r.VenueID, r.Market, r.AssetID, r.Side, r.Price, r.OriginalSize, r.FilledSize,
			r.RemainingSize, r.Status, r.StatusRank, r.OrderType, r.Source, r.CreatedAt, r.UpdatedAt, terminalAt)
	}

	written, conflicts, err := execBatch(ctx, a.db, batch)
	if err != nil {
		return 0, 0, err
	}

	a.mu.Lock()
	for _, rec := range recs {
		if cur, ok := a.pending[rec.ClientID]; ok && !cur.UpdatedAt.After(rec.UpdatedAt) && cur.Status == rec.Status {
			delete(a.pending, rec.ClientID)
		}
	}
	a.mu.Unlock()

	return written, conflicts, nil
}
