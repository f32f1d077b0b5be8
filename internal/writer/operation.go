package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/clob-sync/internal/onchain"
)

// OperationWriter appends observed on-chain operations to chain_operations.
type OperationWriter struct {
	*batcher[onchain.Operation]
	db DB
}

type operationRow struct {
	TxHash      string
	LogIndex    int64
	Kind        string
	ConditionID string
	TokenIDs    []string
	Amount      string
	BlockNumber int64
	Source      string
	ObservedAt  time.Time
}

// NewOperationWriter creates a new OperationWriter.
func NewOperationWriter(cfg WriterConfig, db DB, logger *slog.Logger) *OperationWriter {
	w := &OperationWriter{db: db}
	w.batcher = newBatcher("operation_writer", cfg, w.batchInsert, logger)
	return w
}

// Write queues op. It reports false when the buffer is full.
func (w *OperationWriter) Write(op onchain.Operation) bool {
	return w.enqueue(op)
}

// Start begins flushing to the database.
func (w *OperationWriter) Start(ctx context.Context) error {
	w.start(ctx)
	return nil
}

// Stop drains pending operations and flushes them.
func (w *OperationWriter) Stop(ctx context.Context) error {
	return w.stop(ctx)
}

// Stats returns current metrics.
func (w *OperationWriter) Stats() WriterMetrics {
	return w.stats()
}

func (w *OperationWriter) transform(op onchain.Operation) operationRow {
	tokens := make([]string, len(op.TokenIDs))
	for i, id := range op.TokenIDs {
		tokens[i] = id.String()
	}
	amount := "0"
	if op.Amount != nil {
		amount = op.Amount.String()
	}
	return operationRow{
		TxHash:      op.TxHash.Hex(),
		LogIndex:    int64(op.LogIndex),
		Kind:        string(op.Kind),
		ConditionID: op.ConditionID.Hex(),
		TokenIDs:    tokens,
		Amount:      amount,
		BlockNumber: int64(op.BlockNumber),
		Source:      string(op.Source),
		ObservedAt:  op.Timestamp,
	}
}

// batchInsert inserts rows with ON CONFLICT DO NOTHING so replays are no-ops.
func (w *OperationWriter) batchInsert(ctx context.Context, ops []onchain.Operation) (int, int, error) {
	batch := &pgx.Batch{}
	for _, op := range ops {
		r := w.transform(op)
		batch.Queue(`
			INSERT INTO chain_operations (tx_hash, log_index, kind, condition_id, token_ids, amount, block_number, source, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`, r.TxHash, r.LogIndex, r.Kind, r.ConditionID, r.TokenIDs, r.Amount, r.BlockNumber, r.Source, r.ObservedAt)
	}
	return execBatch(ctx, w.db, batch)
}
