package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogClient is the RPC surface the Watcher needs. *ethclient.Client
// satisfies it.
type LogClient interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// LogHandler consumes logs in block order.
type LogHandler interface {
	HandleLog(lg types.Log)
}

// WatcherConfig holds Watcher configuration.
type WatcherConfig struct {
	Contract     common.Address
	Account      common.Address
	StartBlock   uint64 // 0 starts at the current head
	PollInterval time.Duration
	MaxRange     uint64 // blocks per FilterLogs call
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 4 * time.Second,
		MaxRange:     2000,
	}
}

// Watcher streams the account's contract logs to a LogHandler. It prefers
// log subscriptions and falls back to polling FilterLogs when the endpoint
// does not support them or a subscription fails.
type Watcher struct {
	cfg     WatcherConfig
	client  LogClient
	handler LogHandler
	logger  *slog.Logger

	mu   sync.Mutex
	next uint64 // first block not yet fully processed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatcherConfig, client LogClient, handler LogHandler, logger *slog.Logger) *Watcher {
	def := DefaultWatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = def.MaxRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		client:  client,
		handler: handler,
		logger:  logger.With("component", "onchain_watcher"),
		next:    cfg.StartBlock,
	}
}

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if w.cfg.StartBlock == 0 {
		head, err := w.client.BlockNumber(w.ctx)
		if err != nil {
			w.cancel()
			return fmt.Errorf("get head block: %w", err)
		}
		w.setNext(head + 1)
	}

	w.wg.Add(1)
	go w.run()

	w.logger.Info("watcher started", "from_block", w.nextBlock())
	return nil
}

// Stop halts watching.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("watcher stopped", "next_block", w.nextBlock())
}

// NextBlock returns the first block not yet processed.
func (w *Watcher) NextBlock() uint64 {
	return w.nextBlock()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	// Catch up to head before subscribing so no range is skipped.
	if err := w.PollOnce(w.ctx); err != nil && w.ctx.Err() == nil {
		w.logger.Warn("initial catch-up failed", "error", err)
	}

	if err := w.stream(w.ctx); err != nil && w.ctx.Err() == nil {
		w.logger.Warn("log subscription unavailable, polling", "error", err)
	}
	if w.ctx.Err() != nil {
		return
	}
	w.poll()
}

func (w *Watcher) stream(ctx context.Context) error {
	logs := make(chan types.Log, 256)
	var subs []ethereum.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for _, q := range w.queries(nil, nil) {
		sub, err := w.client.SubscribeFilterLogs(ctx, q, logs)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		subs = append(subs, sub)
	}

	// Blocks mined between the initial catch-up and the subscriptions going
	// live are not streamed. Fetch them now; replays are deduplicated.
	if err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("gap catch-up failed", "error", err)
	}

	errc := make(chan error, len(subs))
	for _, sub := range subs {
		go func(sub ethereum.Subscription) {
			select {
			case err := <-sub.Err():
				errc <- err
			case <-ctx.Done():
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return fmt.Errorf("subscription ended: %w", err)
		case lg := <-logs:
			w.handler.HandleLog(lg)
			if !lg.Removed && lg.BlockNumber >= w.nextBlock() {
				// Subsequent logs in the same block may still arrive.
				w.setNext(lg.BlockNumber)
			}
		}
	}
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.PollOnce(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Warn("log poll failed", "error", err)
			}
		}
	}
}

// PollOnce fetches logs from the next unprocessed block up to head, at most
// MaxRange blocks per call, and hands them to the handler in block order.
func (w *Watcher) PollOnce(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}
	return w.CatchUp(ctx, head)
}

// CatchUp processes blocks from the next unprocessed block through last.
func (w *Watcher) CatchUp(ctx context.Context, last uint64) error {
	for from := w.nextBlock(); from <= last; from = w.nextBlock() {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := from + w.cfg.MaxRange - 1
		if to > last {
			to = last
		}

		var batch []types.Log
		for _, q := range w.queries(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)) {
			logs, err := w.client.FilterLogs(ctx, q)
			if err != nil {
				return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
			}
			batch = append(batch, logs...)
		}

		for _, lg := range orderLogs(batch) {
			w.handler.HandleLog(lg)
		}
		w.setNext(to + 1)
	}
	return nil
}

// queries returns the high-level filter plus one transfer filter per
// direction, since topic positions are ANDed.
func (w *Watcher) queries(from, to *big.Int) []ethereum.FilterQuery {
	account := common.BytesToHash(w.cfg.Account.Bytes())
	base := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{w.cfg.Contract},
	}

	highLevel := base
	highLevel.Topics = [][]common.Hash{highLevelTopics(), {account}}

	outgoing := base
	outgoing.Topics = [][]common.Hash{transferTopics(), nil, {account}}

	incoming := base
	incoming.Topics = [][]common.Hash{transferTopics(), nil, nil, {account}}

	return []ethereum.FilterQuery{highLevel, outgoing, incoming}
}

func (w *Watcher) nextBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

func (w *Watcher) setNext(n uint64) {
	w.mu.Lock()
	w.next = n
	w.mu.Unlock()
}

// orderLogs sorts by block and log index and drops logs returned by more
// than one query.
func orderLogs(logs []types.Log) []types.Log {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	out := make([]types.Log, 0, len(logs))
	for _, lg := range logs {
		if n := len(out); n > 0 && out[n-1].BlockNumber == lg.BlockNumber && out[n-1].Index == lg.Index {
			continue
		}
		out = append(out, lg)
	}
	return out
}
