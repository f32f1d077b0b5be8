// Package writer implements the batch writers behind persistence.
//
// Writers:
//   - Operation writer: append-only log of on-chain operations, deduplicated
//     by (tx_hash, log_index)
//   - Order archive: latest state per order, upserted monotonically so a
//     late or reordered write never regresses status or filled size
//
// Both accept values through non-blocking enqueue calls, accumulate batches,
// and flush on size or interval with pgx.Batch.
package writer
