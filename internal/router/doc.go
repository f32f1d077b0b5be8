// Package router implements the Subscription Registry and Event Dispatcher.
//
// The Registry maps logical subscriptions (kind + immutable target set) to
// typed callbacks, deduplicates identical subscriptions by (kind, targets)
// and resends every active subscription after each reconnect.
//
// The Dispatcher parses event frames from the Connection Manager, keeps a
// local L2 book per asset, and fans each event out to the per-subscription
// delivery queues. Market-channel events match asset ids, user-channel events
// match market (condition) ids; "*" matches everything on its channel.
// Pair subscriptions additionally receive a PairUpdate whenever either side's
// top of book changes once both sides have been observed.
package router
