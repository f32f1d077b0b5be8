// Package market implements the Market Registry: a cache of per-market
// trading parameters (tick size, minimum order size, outcome tokens).
//
// Markets are loaded from the venue REST API at startup for every configured
// condition, fetched lazily on first use otherwise, refreshed periodically,
// and kept current between refreshes by tick_size_change events forwarded
// from the Event Dispatcher.
package market
