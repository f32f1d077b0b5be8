// Package order implements the Order Lifecycle Reconciler.
//
// Every order created through the Reconciler gets one Record, keyed by a
// client-assigned uuid and watched automatically. A record advances from two
// independent inputs: the synchronous results of confirm/cancel/get calls and
// the asynchronous user-channel pushes for its venue id. Whichever input
// carries the later status in the lifecycle ordering wins; filled size is the
// maximum ever observed. Records never move backwards.
//
// Pushes that arrive before the confirm call has bound a venue id are parked
// and replayed once the id is known. Terminal records stay queryable for a
// grace window; after that Get falls back to the optional Archive.
package order
