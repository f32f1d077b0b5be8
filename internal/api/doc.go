// Package api provides the venue REST client used by the order reconciler.
//
// Endpoints:
//   - POST   /order                    place a signed order (L2 auth)
//   - DELETE /order                    cancel an order by venue id (L2 auth)
//   - GET    /data/order/{id}          fetch one order's current state (L2 auth)
//   - GET    /markets/{condition_id}   market trading parameters (public)
//
// Reads are retried with jittered exponential backoff on 5xx and 429.
// Writes are sent once; an unknown outcome is surfaced to the caller.
package api
