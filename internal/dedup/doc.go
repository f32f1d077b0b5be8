// Package dedup implements the bounded key set used to suppress duplicate
// on-chain operation reports.
//
// The Set:
//   - Remembers the most recent Capacity keys, dropping the oldest first
//   - Never drops a key younger than MinRetention, so a key cannot be
//     re-admitted inside the observation window that produced it
//   - Splits keys across independently locked shards by xxhash
package dedup
