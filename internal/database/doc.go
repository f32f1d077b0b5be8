// Package database manages the Postgres pool backing the order archive and
// the on-chain operation log.
//
// Persistence is optional: the connector runs without it when no database
// host is configured, in which case evicted orders are simply forgotten.
package database
