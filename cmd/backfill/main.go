// backfill replays the tracked account's conditional token logs over a block
// range through the operation correlator and appends the results to the
// operation log. Replays of ranges already covered are no-ops.
//
// Usage: go run ./cmd/backfill --config configs/connector.example.yaml --from 61000000 --to 61050000
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rickgao/clob-sync/internal/config"
	"github.com/rickgao/clob-sync/internal/database"
	"github.com/rickgao/clob-sync/internal/onchain"
	"github.com/rickgao/clob-sync/internal/version"
	"github.com/rickgao/clob-sync/internal/writer"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CLOB_SYNC_CONFIG, then configs/connector.yaml)")
	from := flag.Uint64("from", 0, "first block to replay")
	to := flag.Uint64("to", 0, "last block to replay (0 = current head)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("starting backfill", "version", version.String(), "from", *from, "to", *to)

	cfg, err := config.LoadAndValidate(config.ResolvePath(*configPath))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Unresolved) > 0 {
		logger.Warn("config references unset variables", "vars", cfg.Unresolved)
	}
	if cfg.Chain.RPCURL == "" || !cfg.Database.Enabled() {
		logger.Error("backfill requires chain.rpc_url and database.host")
		os.Exit(1)
	}
	if *from == 0 {
		logger.Error("--from is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := backfill(ctx, cfg, *from, *to, logger); err != nil {
		logger.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func backfill(ctx context.Context, cfg *config.Config, from, to uint64, logger *slog.Logger) error {
	pool, err := database.Connect(ctx, cfg.Database, "clob-sync-backfill")
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	if to == 0 {
		if to, err = eth.BlockNumber(ctx); err != nil {
			return err
		}
	}

	conditions := make(map[common.Hash][]*big.Int, len(cfg.Chain.Conditions))
	for _, c := range cfg.Chain.Conditions {
		for _, tok := range c.Tokens {
			if id, ok := new(big.Int).SetString(tok, 10); ok {
				conditions[common.HexToHash(c.ID)] = append(conditions[common.HexToHash(c.ID)], id)
			}
		}
	}
	contract := common.HexToAddress(cfg.Chain.CTFAddress)
	account := common.HexToAddress(cfg.Chain.Account)

	correlator := onchain.NewCorrelator(onchain.Config{
		Contract:       contract,
		Account:        account,
		Conditions:     conditions,
		ClassifyWindow: cfg.Chain.ClassifyWindow,
		DedupCapacity:  cfg.Chain.DedupCapacity,
		MinRetention:   cfg.Chain.MinRetention,
	}, eth, logger)

	ops := writer.NewOperationWriter(writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
		BufferSize:    cfg.Writers.BufferSize,
	}, pool, logger)
	if err := ops.Start(ctx); err != nil {
		return err
	}

	write := func(op onchain.Operation) {
		if !ops.Write(op) {
			logger.Warn("writer buffer full, operation not persisted", "tx", op.TxHash.Hex(), "log_index", op.LogIndex)
		}
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case op := <-correlator.Operations():
				write(op)
			case err := <-correlator.Errors():
				logger.Warn("operation dropped", "error", err)
			case <-drainCtx.Done():
				return
			}
		}
	}()

	watcher := onchain.NewWatcher(onchain.WatcherConfig{
		Contract:   contract,
		Account:    account,
		StartBlock: from,
	}, eth, correlator, logger)

	start := time.Now()
	if err := watcher.CatchUp(ctx, to); err != nil {
		correlator.Close()
		return err
	}

	// Let transfer-only transactions finish classification.
	select {
	case <-time.After(cfg.Chain.ClassifyWindow + time.Second):
	case <-ctx.Done():
	}
	correlator.Close()
	stopDrain()
	<-done
	for len(correlator.Operations()) > 0 {
		write(<-correlator.Operations())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ops.Stop(shutdownCtx); err != nil {
		return err
	}

	stats := ops.Stats()
	cs := correlator.Stats()
	logger.Info("backfill complete",
		"blocks", to-from+1,
		"operations", cs.Emitted,
		"ambiguous", cs.Ambiguous,
		"inserted", stats.Inserts,
		"already_present", stats.Conflicts,
		"duration", time.Since(start),
	)
	return nil
}
