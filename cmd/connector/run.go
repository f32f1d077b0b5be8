package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/clob-sync/internal/api"
	"github.com/rickgao/clob-sync/internal/auth"
	"github.com/rickgao/clob-sync/internal/config"
	"github.com/rickgao/clob-sync/internal/connection"
	"github.com/rickgao/clob-sync/internal/database"
	"github.com/rickgao/clob-sync/internal/market"
	"github.com/rickgao/clob-sync/internal/metrics"
	"github.com/rickgao/clob-sync/internal/model"
	"github.com/rickgao/clob-sync/internal/onchain"
	"github.com/rickgao/clob-sync/internal/order"
	"github.com/rickgao/clob-sync/internal/poller"
	"github.com/rickgao/clob-sync/internal/router"
	"github.com/rickgao/clob-sync/internal/writer"
)

const shutdownTimeout = 30 * time.Second

// errNoSigner is returned for order placement. The daemon tracks orders
// placed elsewhere and adopted through orders.watch or POST /orders/watch.
var errNoSigner = errors.New("order signing is not configured for this process")

type noSigner struct{}

func (noSigner) Sign(context.Context, order.Spec, model.Market) (api.SignedOrder, error) {
	return api.SignedOrder{}, errNoSigner
}

// app holds the wired components.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metrics.Metrics
	registry *prometheus.Registry

	pool       *pgxpool.Pool
	archive    *writer.OrderArchive
	opWriter   *writer.OperationWriter
	markets    market.Registry
	conn       connection.Manager
	subs       *router.Registry
	dispatcher *router.Dispatcher
	orders     *order.Reconciler
	poller     *poller.Poller
	correlator *onchain.Correlator
	watcher    *onchain.Watcher
	eth        *ethclient.Client

	workers       conc.WaitGroup
	cancelObserve context.CancelFunc
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	var creds *auth.Credentials
	if cfg.Credentials.APIKey != "" {
		var err error
		creds, err = auth.NewCredentials(cfg.Credentials.APIKey, cfg.Credentials.Secret, cfg.Credentials.Passphrase, cfg.Credentials.Address)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}

	apiClient := api.NewClient(cfg.API.RestURL, creds,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	if err := a.startStorage(ctx, apiClient); err != nil {
		a.shutdown()
		return err
	}

	a.conn = connection.NewManager(connection.ManagerConfig{
		URL:                  cfg.API.WSURL,
		PingInterval:         cfg.Connection.PingInterval,
		PongTimeout:          cfg.Connection.PongTimeout,
		WriteTimeout:         cfg.Connection.WriteTimeout,
		SubscribeTimeout:     cfg.Connection.SubscribeTimeout,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		ControlRate:          cfg.Connection.ControlRate,
		BufferSize:           cfg.Connection.BufferSize,
	}, logger)
	a.subs = router.NewRegistry(router.DefaultConfig(), a.conn, creds, logger)
	a.dispatcher = router.NewDispatcher(a.subs, a.conn.Messages(), logger, router.WithTickSizeSink(a.markets))

	if creds != nil {
		if err := a.startOrders(ctx, creds, apiClient); err != nil {
			a.shutdown()
			return err
		}
	}

	if cfg.Chain.RPCURL != "" {
		if err := a.startChain(ctx); err != nil {
			a.shutdown()
			return err
		}
	}

	if err := a.subscribe(ctx); err != nil {
		a.shutdown()
		return err
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	a.observe(ctx)
	if err := a.conn.Connect(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("connect: %w", err)
	}

	a.registerMetrics()
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           a.healthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("connector running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}

	a.shutdown()
	return nil
}

// startStorage connects the database and loads the market cache in parallel.
func (a *app) startStorage(ctx context.Context, apiClient *api.Client) error {
	a.markets = market.NewRegistry(market.Config{
		ConditionIDs:      a.conditionIDs(),
		ReconcileInterval: market.DefaultConfig().ReconcileInterval,
		FetchTimeout:      a.cfg.API.Timeout,
	}, apiClient, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.markets.Start(gctx); err != nil {
			return fmt.Errorf("start market registry: %w", err)
		}
		return nil
	})
	if a.cfg.Database.Enabled() {
		g.Go(func() error {
			a.logger.Info("connecting to database",
				"host", a.cfg.Database.Host,
				"port", a.cfg.Database.Port,
				"database", a.cfg.Database.Name,
			)
			pool, err := database.Connect(gctx, a.cfg.Database, "clob-sync-"+a.cfg.Instance.ID)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			a.pool = pool
			if err := database.EnsureSchema(gctx, pool); err != nil {
				return err
			}
			a.logger.Info("database connected")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if a.pool != nil {
		wcfg := writer.WriterConfig{
			BatchSize:     a.cfg.Writers.BatchSize,
			FlushInterval: a.cfg.Writers.FlushInterval,
			BufferSize:    a.cfg.Writers.BufferSize,
		}
		a.archive = writer.NewOrderArchive(wcfg, a.pool, a.logger)
		a.opWriter = writer.NewOperationWriter(wcfg, a.pool, a.logger)
		if err := a.archive.Start(ctx); err != nil {
			return fmt.Errorf("start order archive: %w", err)
		}
		if err := a.opWriter.Start(ctx); err != nil {
			return fmt.Errorf("start operation writer: %w", err)
		}
	}
	return nil
}

func (a *app) startOrders(ctx context.Context, creds *auth.Credentials, apiClient *api.Client) error {
	minNotional, err := a.cfg.Orders.MinNotionalDecimal()
	if err != nil {
		return fmt.Errorf("orders.min_notional: %w", err)
	}

	opts := []order.Option{order.WithTransitionHook(a.metrics.OrderTransition)}
	if a.archive != nil {
		opts = append(opts, order.WithArchive(a.archive))
	}

	ocfg := order.DefaultConfig()
	ocfg.Owner = creds.APIKey
	ocfg.MinNotional = minNotional
	ocfg.GraceWindow = a.cfg.Orders.GraceWindow
	ocfg.PendingTTL = a.cfg.Orders.PendingTTL
	ocfg.Shards = a.cfg.Orders.Shards
	a.orders = order.NewReconciler(ocfg, apiClient, noSigner{}, a.markets, a.logger, opts...)
	if err := a.orders.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	a.poller = poller.New(poller.Config{
		Interval:    a.cfg.Orders.PollInterval,
		Concurrency: a.cfg.Orders.PollConcurrency,
		Timeout:     a.cfg.Orders.PollTimeout,
	}, apiClient, a.orders, a.logger)
	if err := a.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	a.watchConfigured(ctx)
	return nil
}

// watchConfigured adopts the orders listed in orders.watch. Failures are
// logged; the ids can be retried through POST /orders/watch.
func (a *app) watchConfigured(ctx context.Context) {
	for _, id := range a.cfg.Orders.Watch {
		rec, err := a.orders.Watch(ctx, id)
		if err != nil {
			a.logger.Warn("watch order failed", "venue_id", id, "error", err)
			continue
		}
		a.logger.Info("watching configured order", "venue_id", id, "client_id", rec.ClientID, "status", rec.Status)
	}
}

func (a *app) startChain(ctx context.Context) error {
	ch := a.cfg.Chain
	eth, err := ethclient.DialContext(ctx, ch.RPCURL)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	a.eth = eth

	conditions := make(map[common.Hash][]*big.Int, len(ch.Conditions))
	for _, c := range ch.Conditions {
		ids := make([]*big.Int, 0, len(c.Tokens))
		for _, tok := range c.Tokens {
			id, ok := new(big.Int).SetString(tok, 10)
			if !ok {
				return fmt.Errorf("chain condition %s: invalid token id %q", c.ID, tok)
			}
			ids = append(ids, id)
		}
		conditions[common.HexToHash(c.ID)] = ids
	}

	contract := common.HexToAddress(ch.CTFAddress)
	account := common.HexToAddress(ch.Account)

	a.correlator = onchain.NewCorrelator(onchain.Config{
		Contract:       contract,
		Account:        account,
		Conditions:     conditions,
		ClassifyWindow: ch.ClassifyWindow,
		DedupCapacity:  ch.DedupCapacity,
		MinRetention:   ch.MinRetention,
	}, eth, a.logger)

	a.watcher = onchain.NewWatcher(onchain.WatcherConfig{
		Contract:     contract,
		Account:      account,
		StartBlock:   ch.StartBlock,
		PollInterval: ch.PollInterval,
	}, eth, a.correlator, a.logger)
	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start chain watcher: %w", err)
	}
	return nil
}

// subscribe registers the configured subscriptions. They are sent on connect.
func (a *app) subscribe(ctx context.Context) error {
	for _, sub := range a.cfg.Subscriptions.Markets {
		var opts []router.SubscribeOption
		if sub.Pair {
			opts = append(opts, router.WithPair())
		}
		logger := a.logger.With("condition_id", sub.ConditionID)
		cb := router.Callbacks{
			OnLastTrade: func(ev router.LastTradeEvent) {
				logger.Debug("last trade", "asset_id", ev.AssetID, "price", ev.Price, "size", ev.Size)
			},
			OnPair: func(p router.PairUpdate) {
				logger.Debug("pair update", "a", p.AssetA, "a_bid", p.A.Bid, "b", p.AssetB, "b_bid", p.B.Bid)
			},
		}
		if _, err := a.subs.Subscribe(ctx, connection.ChannelMarket, sub.Assets, cb, opts...); err != nil {
			return fmt.Errorf("subscribe market %s: %w", sub.ConditionID, err)
		}
	}

	if a.cfg.Subscriptions.User && a.orders != nil {
		markets := a.cfg.Subscriptions.UserMarkets
		if len(markets) == 0 {
			markets = []string{"*"}
		}
		if _, err := a.subs.Subscribe(ctx, connection.ChannelUser, markets, a.orders.Callbacks()); err != nil {
			return fmt.Errorf("subscribe user channel: %w", err)
		}
	}
	return nil
}

// observe starts the goroutines draining component output channels.
func (a *app) observe(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	a.cancelObserve = cancel

	a.workers.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ch := <-a.conn.Status():
				a.metrics.ObservePhase(ch.To)
			case err := <-a.conn.Errors():
				a.metrics.ObserveError("connection", err)
				a.logger.Warn("connection error", "error", err)
			}
		}
	})

	a.workers.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ch := <-a.markets.SubscribeChanges():
				a.logger.Info("market changed", "condition_id", ch.ConditionID, "event", ch.EventType)
			}
		}
	})

	if a.orders != nil {
		a.workers.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-a.orders.Updates():
					a.logger.Debug("order update", "client_id", rec.ClientID, "status", rec.Status, "filled", rec.FilledSize)
				}
			}
		})
	}

	if a.correlator != nil {
		a.workers.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case op := <-a.correlator.Operations():
					a.metrics.ObserveOperation(op)
					if a.opWriter != nil {
						a.opWriter.Write(op)
					}
				case err := <-a.correlator.Errors():
					a.metrics.ObserveError("chain", err)
				}
			}
		})
	}
}

func (a *app) registerMetrics() {
	src := metrics.Sources{
		Connection: a.conn.Stats,
		Router:     a.dispatcher.Stats,
		Writers:    map[string]func() writer.WriterMetrics{},
	}
	if a.orders != nil {
		src.Orders = a.orders
		src.Poller = a.poller.Totals
	}
	if a.correlator != nil {
		src.Correlator = a.correlator.Stats
		src.Dedup = a.correlator.DedupStats
	}
	if a.archive != nil {
		src.Writers["orders"] = a.archive.Stats
		src.Writers["operations"] = a.opWriter.Stats
	}
	a.metrics.Register(src)
}

// shutdown stops components in reverse dependency order. Safe on a
// partially started app.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.conn != nil {
		if err := a.conn.Disconnect(ctx); err != nil {
			a.logger.Warn("disconnect", "error", err)
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(ctx); err != nil {
			a.logger.Warn("stop dispatcher", "error", err)
		}
	}
	if a.subs != nil {
		a.subs.Close()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.correlator != nil {
		a.correlator.Close()
	}
	if a.poller != nil {
		if err := a.poller.Stop(ctx); err != nil {
			a.logger.Warn("stop poller", "error", err)
		}
	}
	if a.orders != nil {
		if err := a.orders.Stop(ctx); err != nil {
			a.logger.Warn("stop reconciler", "error", err)
		}
	}

	if a.cancelObserve != nil {
		a.cancelObserve()
	}
	a.workers.Wait()

	if a.opWriter != nil {
		if err := a.opWriter.Stop(ctx); err != nil {
			a.logger.Warn("stop operation writer", "error", err)
		}
	}
	if a.archive != nil {
		if err := a.archive.Stop(ctx); err != nil {
			a.logger.Warn("stop order archive", "error", err)
		}
	}
	if a.markets != nil {
		if err := a.markets.Stop(ctx); err != nil {
			a.logger.Warn("stop market registry", "error", err)
		}
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// conditionIDs lists every market the connector needs parameters for.
func (a *app) conditionIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sub := range a.cfg.Subscriptions.Markets {
		if sub.ConditionID != "" && !seen[sub.ConditionID] {
			seen[sub.ConditionID] = true
			out = append(out, sub.ConditionID)
		}
	}
	for _, id := range a.cfg.Subscriptions.UserMarkets {
		if id != "*" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
