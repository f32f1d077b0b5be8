// Package poller implements the Order Status Poller component.
//
// The Order Status Poller:
//   - Fetches GET /data/order/{id} every PollInterval for each watched,
//     non-terminal order that has a venue id
//   - Feeds results through the reconciler's monotonic merge, so a stale
//     poll never regresses a record advanced by a push
//   - Bounds in-flight requests with errgroup.SetLimit
//
// It is the pull half of the hybrid reconciliation: orders whose pushes were
// lost during a reconnect still converge.
package poller
