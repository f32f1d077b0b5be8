// Package model defines shared data types used across the connector.
//
// Conventions:
//   - Prices and sizes: decimal.Decimal, prices in [0, 1] collateral units per share
//   - Timestamps: time.Time in UTC, venue timestamps parsed from milliseconds
//   - IDs: string for venue identifiers (asset/token ids, condition ids, order ids),
//     uuid.UUID for locally assigned client order ids
package model
