package main

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/clob-sync/internal/errs"
	"github.com/rickgao/clob-sync/internal/order"
)

// healthHandler serves /health, the metrics path and debug listings.
func (a *app) healthHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		conn := a.conn.Stats()
		health.Components["connection"] = map[string]interface{}{
			"phase":              conn.Phase.String(),
			"reconnect_attempts": conn.ReconnectAttempts,
			"last_pong":          conn.LastPong,
		}
		if !conn.Phase.Connected() {
			health.Status = "degraded"
		}

		routing := a.dispatcher.Stats()
		health.Components["router"] = map[string]interface{}{
			"subscriptions": routing.Subscriptions,
			"books":         routing.Books,
			"queue_depth":   routing.QueueDepth,
		}

		health.Components["market_registry"] = map[string]interface{}{
			"markets": len(a.markets.Markets()),
		}

		if a.orders != nil {
			health.Components["orders"] = map[string]interface{}{
				"watched": a.orders.Len(),
				"parked":  a.orders.Parked(),
			}
		}

		if a.correlator != nil {
			stats := a.correlator.Stats()
			size, _ := a.correlator.DedupStats()
			health.Components["chain"] = map[string]interface{}{
				"next_block": a.watcher.NextBlock(),
				"pending":    stats.Pending,
				"emitted":    stats.Emitted,
				"dedup_size": size,
			}
		}

		if a.pool != nil {
			if err := a.pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/markets", func(w http.ResponseWriter, r *http.Request) {
		markets := a.markets.Markets()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":   len(markets),
			"markets": markets,
		})
	})

	mux.HandleFunc("/debug/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if a.orders == nil {
			json.NewEncoder(w).Encode(map[string]interface{}{"count": 0})
			return
		}
		watched := a.orders.Watched()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":  len(watched),
			"orders": watched,
		})
	})

	if a.orders != nil {
		mux.Handle("/orders/watch", watchHandler(a.orders, a.cfg.API.Timeout))
	}

	return mux
}

type orderWatcher interface {
	Watch(ctx context.Context, venueID string) (order.Record, error)
}

// watchHandler adopts the venue order named by the id query parameter.
func watchHandler(orders orderWatcher, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		rec, err := orders.Watch(ctx, r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			status := http.StatusBadGateway
			switch {
			case errs.IsKind(err, errs.KindValidation):
				status = http.StatusBadRequest
			case errs.IsKind(err, errs.KindNotFound):
				status = http.StatusNotFound
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(rec)
	})
}
