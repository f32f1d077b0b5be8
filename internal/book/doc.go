// Package book maintains local L2 order books built from venue book
// snapshots and price-change deltas.
package book
