// Package metrics exposes connector state to Prometheus.
//
// Event-driven counters (order transitions, observed operations, async
// errors, phase changes) are fed by hooks. Everything else is read on scrape
// from component Stats through function-backed collectors, so components stay
// free of Prometheus imports.
package metrics
