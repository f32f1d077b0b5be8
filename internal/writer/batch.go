package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of *pgxpool.Pool the writers use.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WriterConfig holds batching configuration shared by all writers.
type WriterConfig struct {
	BatchSize     int           // Flush when this many rows are pending
	FlushInterval time.Duration // Flush at least this often
	BufferSize    int           // Enqueue capacity before values are dropped
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts   int64 // Rows written
	Conflicts int64 // Rows skipped by the conflict clause
	Flushes   int64
	Errors    int64 // Failed flushes
	Dropped   int64 // Values rejected because the buffer was full
}

// batcher accumulates values from a buffered channel and hands them to
// write in batches.
type batcher[T any] struct {
	name   string
	cfg    WriterConfig
	logger *slog.Logger
	write  func(ctx context.Context, batch []T) (written, conflicts int, err error)

	input chan T

	batch   []T
	batchMu sync.Mutex
	metrics WriterMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBatcher[T any](
	name string,
	cfg WriterConfig,
	write func(ctx context.Context, batch []T) (int, int, error),
	logger *slog.Logger,
) *batcher[T] {
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &batcher[T]{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", name),
		write:  write,
		input:  make(chan T, cfg.BufferSize),
		batch:  make([]T, 0, cfg.BatchSize),
	}
}

// enqueue never blocks. It reports false when the buffer is full.
func (b *batcher[T]) enqueue(v T) bool {
	select {
	case b.input <- v:
		return true
	default:
		b.batchMu.Lock()
		b.metrics.Dropped++
		b.batchMu.Unlock()
		return false
	}
}

func (b *batcher[T]) start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(2)
	go b.consumeLoop()
	go b.flushLoop()

	b.logger.Info("writer started",
		"batch_size", b.cfg.BatchSize,
		"flush_interval", b.cfg.FlushInterval,
	)
}

// stop halts the loops, drains the buffer and performs a final flush bounded
// by ctx.
func (b *batcher[T]) stop(ctx context.Context) error {
	b.logger.Info("stopping writer")

	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("writer stop timed out")
		return ctx.Err()
	}

drain:
	for {
		select {
		case v := <-b.input:
			b.batchMu.Lock()
			b.batch = append(b.batch, v)
			b.batchMu.Unlock()
		default:
			break drain
		}
	}

	b.flush(ctx)
	b.logger.Info("writer stopped")
	return nil
}

func (b *batcher[T]) stats() WriterMetrics {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.metrics
}

func (b *batcher[T]) consumeLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case v := <-b.input:
			b.batchMu.Lock()
			b.batch = append(b.batch, v)
			shouldFlush := len(b.batch) >= b.cfg.BatchSize
			b.batchMu.Unlock()

			if shouldFlush {
				b.flush(b.ctx)
			}
		}
	}
}

func (b *batcher[T]) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flush(b.ctx)
		}
	}
}

func (b *batcher[T]) flush(ctx context.Context) {
	b.batchMu.Lock()
	if len(b.batch) == 0 {
		b.batchMu.Unlock()
		return
	}
	batch := b.batch
	b.batch = make([]T, 0, b.cfg.BatchSize)
	b.batchMu.Unlock()

	start := time.Now()
	written, conflicts, err := b.write(ctx, batch)
	if err != nil {
		b.logger.Error("batch write failed", "error", err, "count", len(batch))
		b.batchMu.Lock()
		b.metrics.Errors++
		b.batchMu.Unlock()
		return
	}

	b.batchMu.Lock()
	b.metrics.Inserts += int64(written)
	b.metrics.Conflicts += int64(conflicts)
	b.metrics.Flushes++
	b.batchMu.Unlock()

	b.logger.Debug("flushed batch",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// execBatch sends batch and counts statements that did and did not affect
// a row.
func execBatch(ctx context.Context, db DB, batch *pgx.Batch) (written, conflicts int, err error) {
	results := db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			return 0, 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		} else {
			written++
		}
	}
	return written, conflicts, nil
}
