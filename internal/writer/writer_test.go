package writer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/onchain"
	"github.com/rickgao/clob-sync/internal/order"
)

// fakeDB records batches and treats a repeated first argument as a conflict.
type fakeDB struct {
	mu      sync.Mutex
	batches []*pgx.Batch
	seen    map[string]bool
	err     error
	row     fakeRow
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: make(map[string]bool)}
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)

	res := &fakeResults{err: f.err}
	for _, q := range b.QueuedQueries {
		key := fmt.Sprint(q.Arguments[0], q.Arguments[1])
		if f.seen[key] {
			res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 0"))
			continue
		}
		f.seen[key] = true
		res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 1"))
	}
	return res
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func (f *fakeDB) queued() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b.QueuedQueries...)
	}
	return out
}

type fakeResults struct {
	tags []pgconn.CommandTag
	err  error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[0]
	r.tags = r.tags[1:]
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return fakeRow{err: errors.New("not supported")} }
func (r *fakeResults) Close() error             { return nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d dest, %d values", len(dest), len(r.values))
	}
	for i, v := range r.values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testOperation() onchain.Operation {
	return onchain.Operation{
		Kind:        onchain.KindSplit,
		ConditionID: common.HexToHash("0xc0"),
		TokenIDs:    []*big.Int{big.NewInt(101), big.NewInt(102)},
		Amount:      big.NewInt(1_000_000),
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 42,
		LogIndex:    3,
		Timestamp:   time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		Source:      onchain.SourceEvent,
	}
}

func TestOperationWriter_Transform(t *testing.T) {
	w := NewOperationWriter(DefaultWriterConfig(), nil, nil)
	row := w.transform(testOperation())

	if row.TxHash != common.HexToHash("0x01").Hex() {
		t.Errorf("TxHash = %s", row.TxHash)
	}
	if row.LogIndex != 3 {
		t.Errorf("LogIndex = %d, want 3", row.LogIndex)
	}
	if row.Kind != "split" {
		t.Errorf("Kind = %s, want split", row.Kind)
	}
	if !reflect.DeepEqual(row.TokenIDs, []string{"101", "102"}) {
		t.Errorf("TokenIDs = %v, want [101 102]", row.TokenIDs)
	}
	if row.Amount != "1000000" {
		t.Errorf("Amount = %s, want 1000000", row.Amount)
	}
	if row.BlockNumber != 42 {
		t.Errorf("BlockNumber = %d, want 42", row.BlockNumber)
	}
	if row.Source != "event" {
		t.Errorf("Source = %s, want event", row.Source)
	}
}

func TestOperationWriter_ReplayCountsConflict(t *testing.T) {
	db := newFakeDB()
	w := NewOperationWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	w.Write(testOperation())
	w.Write(testOperation())

	waitFor(t, func() bool { return w.Stats().Flushes == 2 })

	stats := w.Stats()
	if stats.Inserts != 1 {
		t.Errorf("Inserts = %d, want 1", stats.Inserts)
	}
	if stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", stats.Conflicts)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestOperationWriter_StopFlushesRemaining(t *testing.T) {
	db := newFakeDB()
	w := NewOperationWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		op := testOperation()
		op.LogIndex = uint(i)
		w.Write(op)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := len(db.queued()); got != 3 {
		t.Errorf("queued statements = %d, want 3", got)
	}
	if got := w.Stats().Inserts; got != 3 {
		t.Errorf("Inserts = %d, want 3", got)
	}
}

func TestOperationWriter_FlushErrorCounted(t *testing.T) {
	db := newFakeDB()
	db.err = errors.New("connection reset")
	w := NewOperationWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil)

	w.batch = append(w.batch, testOperation())
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Flushes != 0 {
		t.Errorf("Flushes = %d, want 0", stats.Flushes)
	}
}

func TestWriteDropsWhenBufferFull(t *testing.T) {
	w := NewOperationWriter(WriterConfig{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 1}, nil, nil)

	if !w.Write(testOperation()) {
		t.Fatal("first Write() = false, want true")
	}
	if w.Write(testOperation()) {
		t.Fatal("second Write() = true, want false")
	}
	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func testRecord(status order.Status, filled string, at time.Time) order.Record {
	return order.Record{
		ClientID:      "client-1",
		VenueID:       "0xvenue",
		Market:        "0xcond",
		AssetID:       "yes-1",
		Side:          "BUY",
		Price:         decimal.RequireFromString("0.40"),
		OriginalSize:  decimal.RequireFromString("10"),
		FilledSize:    decimal.RequireFromString(filled),
		RemainingSize: decimal.RequireFromString("10").Sub(decimal.RequireFromString(filled)),
		Status:        status,
		OrderType:     "GTC",
		Source:        order.SourcePush,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestOrderArchive_CoalescesPerClient(t *testing.T) {
	db := newFakeDB()
	a := NewOrderArchive(WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	now := time.Now()
	a.Save(testRecord(order.StatusSubmitted, "0", now))
	a.Save(testRecord(order.StatusPartiallyFilled, "4", now.Add(time.Second)))
	other := testRecord(order.StatusOpen, "0", now)
	other.ClientID = "client-2"
	a.Save(other)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	queued := db.queued()
	if len(queued) != 2 {
		t.Fatalf("queued statements = %d, want 2", len(queued))
	}
	byClient := map[any][]any{}
	for _, q := range queued {
		byClient[q.Arguments[0]] = q.Arguments
	}
	args := byClient["client-1"]
	if args[9] != string(order.StatusPartiallyFilled) {
		t.Errorf("status = %v, want %s", args[9], order.StatusPartiallyFilled)
	}
	if args[7] != "4" {
		t.Errorf("filled_size = %v, want 4", args[7])
	}
	if args[15] != (*time.Time)(nil) {
		t.Errorf("terminal_at = %v, want nil", args[15])
	}
}

func TestOrderArchive_LoadPrefersUnflushed(t *testing.T) {
	db := newFakeDB()
	db.row = fakeRow{err: pgx.ErrNoRows}
	a := NewOrderArchive(DefaultWriterConfig(), db, nil)

	rec := testRecord(order.StatusOpen, "0", time.Now())
	a.Save(rec)

	got, err := a.Load(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Status != order.StatusOpen {
		t.Errorf("Status = %s, want %s", got.Status, order.StatusOpen)
	}
}

func TestOrderArchive_LoadNotFound(t *testing.T) {
	db := newFakeDB()
	db.row = fakeRow{err: pgx.ErrNoRows}
	a := NewOrderArchive(DefaultWriterConfig(), db, nil)

	_, err := a.Load(context.Background(), "missing")
	if !errors.Is(err, order.ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestOrderArchive_LoadScansRow(t *testing.T) {
	created := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	terminal := created.Add(time.Minute)

	db := newFakeDB()
	db.row = fakeRow{values: []any{
		"client-9", "0xvenue", "0xcond", "yes-1", "SELL",
		"0.55", "10", "10", "0",
		string(order.StatusFilled), "GTC", string(order.SourceTrade), created, terminal, &terminal,
	}}
	a := NewOrderArchive(DefaultWriterConfig(), db, nil)

	rec, err := a.Load(context.Background(), "client-9")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.Status != order.StatusFilled {
		t.Errorf("Status = %s, want %s", rec.Status, order.StatusFilled)
	}
	if !rec.Price.Equal(decimal.RequireFromString("0.55")) {
		t.Errorf("Price = %s, want 0.55", rec.Price)
	}
	if !rec.FilledSize.Equal(decimal.NewFromInt(10)) {
		t.Errorf("FilledSize = %s, want 10", rec.FilledSize)
	}
	if !rec.TerminalAt.Equal(terminal) {
		t.Errorf("TerminalAt = %v, want %v", rec.TerminalAt, terminal)
	}
}
