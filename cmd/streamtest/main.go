// streamtest connects to the venue socket and prints parsed events to the
// console.
//
// Usage: go run ./cmd/streamtest --config configs/connector.example.yaml --assets <id>,<id> [--pair] [--user]
//
// The user channel requires credentials in the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rickgao/clob-sync/internal/auth"
	"github.com/rickgao/clob-sync/internal/config"
	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/router"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CLOB_SYNC_CONFIG, then configs/connector.yaml)")
	assets := flag.String("assets", "", "comma-separated asset ids for the market channel")
	pair := flag.Bool("pair", false, "emit pair updates (requires exactly two assets)")
	user := flag.Bool("user", false, "subscribe to the user channel for all markets")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Unresolved) > 0 {
		logger.Warn("config references unset variables", "vars", cfg.Unresolved)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var creds *auth.Credentials
	if *user {
		creds, err = auth.NewCredentials(cfg.Credentials.APIKey, cfg.Credentials.Secret, cfg.Credentials.Passphrase, cfg.Credentials.Address)
		if err != nil {
			logger.Error("user channel requires credentials", "error", err)
			os.Exit(1)
		}
	}

	connCfg := connection.DefaultManagerConfig()
	connCfg.URL = cfg.API.WSURL
	connCfg.BufferSize = 10000
	connMgr := connection.NewManager(connCfg, logger)

	registry := router.NewRegistry(router.DefaultConfig(), connMgr, creds, logger)
	dispatcher := router.NewDispatcher(registry, connMgr.Messages(), logger)

	p := printer{verbose: *verbose}

	if ids := splitList(*assets); len(ids) > 0 {
		var opts []router.SubscribeOption
		if *pair {
			opts = append(opts, router.WithPair())
		}
		_, err := registry.Subscribe(ctx, connection.ChannelMarket, ids, router.Callbacks{
			OnBook: func(ev router.BookEvent) {
				p.print("BOOK", ev, "asset=%s bids=%d asks=%d", ev.AssetID, len(ev.Bids), len(ev.Asks))
			},
			OnPriceChange: func(ev router.PriceChangeEvent) {
				p.print("PRICE_CHANGE", ev, "asset=%s changes=%d", ev.AssetID, len(ev.Changes))
			},
			OnLastTrade: func(ev router.LastTradeEvent) {
				p.print("TRADE", ev, "asset=%s side=%s price=%s size=%s", ev.AssetID, ev.Side, ev.Price, ev.Size)
			},
			OnTickSize: func(ev router.TickSizeEvent) {
				p.print("TICK_SIZE", ev, "asset=%s old=%s new=%s", ev.AssetID, ev.OldTickSize, ev.NewTickSize)
			},
			OnPair: func(u router.PairUpdate) {
				p.print("PAIR", u, "%s bid=%s ask=%s | %s bid=%s ask=%s",
					u.AssetA, u.A.Bid, u.A.Ask, u.AssetB, u.B.Bid, u.B.Ask)
			},
		}, opts...)
		if err != nil {
			logger.Error("market subscribe failed", "error", err)
			os.Exit(1)
		}
	}

	if *user {
		_, err := registry.Subscribe(ctx, connection.ChannelUser, []string{"*"}, router.Callbacks{
			OnOrder: func(ev router.OrderEvent) {
				p.print("ORDER", ev, "id=%s type=%s matched=%s/%s", ev.ID, ev.Type, ev.SizeMatched, ev.OriginalSize)
			},
			OnTrade: func(ev router.TradeEvent) {
				p.print("USER_TRADE", ev, "id=%s status=%s size=%s price=%s", ev.ID, ev.Status, ev.Size, ev.Price)
			},
		})
		if err != nil {
			logger.Error("user subscribe failed", "error", err)
			os.Exit(1)
		}
	}

	if registry.Len() == 0 {
		logger.Error("nothing to stream: pass --assets and/or --user")
		os.Exit(1)
	}

	if err := dispatcher.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	if err := connMgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ch := <-connMgr.Status():
				logger.Info("phase", "from", ch.From, "to", ch.To, "error", ch.Err)
			case err := <-connMgr.Errors():
				logger.Warn("connection error", "error", err)
			case <-ticker.C:
				routerStats := dispatcher.Stats()
				connStats := connMgr.Stats()
				logger.Info("stats",
					"phase", connStats.Phase,
					"frames_in", connStats.FramesIn,
					"router_received", routerStats.MessagesReceived,
					"router_routed", routerStats.MessagesRouted,
					"parse_errors", routerStats.ParseErrors,
					"queue_depth", routerStats.QueueDepth,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	connMgr.Disconnect(shutdownCtx)
	dispatcher.Stop(shutdownCtx)
	registry.Close()

	logger.Info("shutdown complete")
}

type printer struct {
	verbose bool
}

func (p printer) print(kind string, v interface{}, format string, args ...interface{}) {
	if p.verbose {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Printf("[%s] %s\n", kind, data)
		return
	}
	fmt.Printf("[%s] "+format+"\n", append([]interface{}{kind}, args...)...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
