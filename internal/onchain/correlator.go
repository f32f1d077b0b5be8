package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rickgao/clob-sync/internal/dedup"
	"github.com/rickgao/clob-sync/internal/errs"
)

// ReceiptFetcher loads a transaction receipt. *ethclient.Client satisfies it.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds Correlator configuration.
type Config struct {
	Contract       common.Address               // zero accepts logs from any address
	Account        common.Address               // tracked account
	Conditions     map[common.Hash][]*big.Int   // tracked conditions and their tokens; empty tracks all
	ClassifyWindow time.Duration                // how long transfers wait for a high-level event
	ReceiptTimeout time.Duration
	DedupCapacity  int
	MinRetention   time.Duration // must exceed ClassifyWindow
	Buffer         int           // Operations() and Errors() capacity
}

// DefaultConfig returns sensible defaults. Account must still be set.
func DefaultConfig() Config {
	return Config{
		ClassifyWindow: 15 * time.Second,
		ReceiptTimeout: 5 * time.Second,
		DedupCapacity:  10000,
		MinRetention:   time.Minute,
		Buffer:         256,
	}
}

// Stats is a point-in-time view of correlator counters.
type Stats struct {
	Emitted    int64
	Duplicates int64
	Ambiguous  int64
	Pending    int
}

type pendingTx struct {
	block     uint64
	transfers map[uint][]transfer // log index -> relevant transfers
	timer     *time.Timer
}

// Correlator turns contract logs into Operations.
type Correlator struct {
	cfg      Config
	receipts ReceiptFetcher
	logger   *slog.Logger
	tokens   map[string]common.Hash // token id -> condition

	emitted *dedup.Set // operation keys
	covered *dedup.Set // tx hashes already reported

	mu       sync.Mutex
	pending  map[common.Hash]*pendingTx
	closed   bool
	inflight sync.WaitGroup

	ops  chan Operation
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc

	emittedCount atomic.Int64
	duplicates   atomic.Int64
	ambiguous    atomic.Int64
}

// NewCorrelator creates a Correlator. receipts may be nil, in which case
// classification relies only on observed transfer logs.
func NewCorrelator(cfg Config, receipts ReceiptFetcher, logger *slog.Logger) *Correlator {
	def := DefaultConfig()
	if cfg.ClassifyWindow <= 0 {
		cfg.ClassifyWindow = def.ClassifyWindow
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = def.ReceiptTimeout
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	if cfg.MinRetention < cfg.ClassifyWindow {
		cfg.MinRetention = 4 * cfg.ClassifyWindow
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	tokens := make(map[string]common.Hash)
	for cond, ids := range cfg.Conditions {
		for _, id := range ids {
			tokens[id.String()] = cond
		}
	}

	setCfg := dedup.Config{
		Capacity:     cfg.DedupCapacity,
		Shards:       dedup.DefaultConfig().Shards,
		MinRetention: cfg.MinRetention,
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Correlator{
		cfg:      cfg,
		receipts: receipts,
		logger:   logger.With("component", "onchain_correlator"),
		tokens:   tokens,
		emitted:  dedup.New(setCfg),
		covered:  dedup.New(setCfg),
		pending:  make(map[common.Hash]*pendingTx),
		ops:      make(chan Operation, cfg.Buffer),
		errs:     make(chan error, cfg.Buffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Operations returns the channel of classified operations.
func (c *Correlator) Operations() <-chan Operation {
	return c.ops
}

// Errors returns asynchronous decode and classification failures.
func (c *Correlator) Errors() <-chan error {
	return c.errs
}

// Stats returns current counters.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return Stats{
		Emitted:    c.emittedCount.Load(),
		Duplicates: c.duplicates.Load(),
		Ambiguous:  c.ambiguous.Load(),
		Pending:    pending,
	}
}

// DedupStats reports the size and eviction count of the emitted-key set.
func (c *Correlator) DedupStats() (size int, evicted int64) {
	return c.emitted.Len(), c.emitted.Evicted()
}

// Close cancels pending classifications and waits for running ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for tx, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, tx)
	}
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
}

// HandleLog processes one log. Safe for concurrent use.
func (c *Correlator) HandleLog(lg types.Log) {
	if lg.Removed {
		c.logger.Debug("ignoring removed log", "tx", lg.TxHash.Hex(), "index", lg.Index)
		return
	}
	if c.cfg.Contract != (common.Address{}) && lg.Address != c.cfg.Contract {
		return
	}
	switch {
	case isHighLevel(lg):
		c.handleHighLevel(lg)
	case isTransfer(lg):
		c.handleTransfer(lg)
	}
}

// handleHighLevel reports whether lg is an operation of the tracked account.
func (c *Correlator) handleHighLevel(lg types.Log) bool {
	hl, err := decodeHighLevel(lg)
	if err != nil {
		c.fail(errs.New(errs.KindClassification, "onchain.decode",
			errs.WithMessage(fmt.Sprintf("tx %s log %d", lg.TxHash.Hex(), lg.Index)),
			errs.WithCause(err)))
		return false
	}
	if hl.account != c.cfg.Account || !c.trackedCondition(hl.conditionID) {
		return false
	}

	op := Operation{
		Kind:        hl.kind,
		ConditionID: hl.conditionID,
		TokenIDs:    c.cfg.Conditions[hl.conditionID],
		Amount:      hl.amount,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Timestamp:   time.Now(),
		Source:      SourceEvent,
	}

	c.mu.Lock()
	c.covered.Add(lg.TxHash.Hex())
	if p, ok := c.pending[lg.TxHash]; ok {
		p.timer.Stop()
		delete(c.pending, lg.TxHash)
	}
	fresh := c.emitted.Add(op.Key())
	c.mu.Unlock()

	if fresh {
		c.emit(op)
	} else {
		c.duplicates.Add(1)
	}
	return true
}

func (c *Correlator) handleTransfer(lg types.Log) {
	decoded, err := decodeTransfers(lg)
	if err != nil {
		c.fail(errs.New(errs.KindClassification, "onchain.decode",
			errs.WithMessage(fmt.Sprintf("tx %s log %d", lg.TxHash.Hex(), lg.Index)),
			errs.WithCause(err)))
		return
	}
	relevant := c.relevant(decoded)
	if len(relevant) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.covered.Contains(lg.TxHash.Hex()) {
		c.duplicates.Add(1)
		return
	}
	p, ok := c.pending[lg.TxHash]
	if !ok {
		tx := lg.TxHash
		p = &pendingTx{block: lg.BlockNumber, transfers: make(map[uint][]transfer)}
		p.timer = time.AfterFunc(c.cfg.ClassifyWindow, func() { c.classifyTx(tx) })
		c.pending[tx] = p
	}
	p.transfers[lg.Index] = relevant
}

func (c *Correlator) classifyTx(tx common.Hash) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	p, ok := c.pending[tx]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, tx)
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	if c.receipts != nil && c.inspectReceipt(tx, p) {
		return
	}

	transfers, lowest := flatten(p)
	kind, ids, amount, ok, err := classify(c.cfg.Account, transfers)
	if err != nil {
		c.ambiguous.Add(1)
		c.logger.Warn("dropping ambiguous transfer pattern", "tx", tx.Hex(), "error", err)
		c.fail(errs.New(errs.KindClassification, "onchain.classify",
			errs.WithMessage("ambiguous transfers in tx "+tx.Hex()),
			errs.WithCause(err)))
		return
	}
	if !ok {
		c.logger.Debug("transfers are not a position operation", "tx", tx.Hex())
		return
	}

	op := Operation{
		Kind:        kind,
		ConditionID: c.conditionOf(ids),
		TokenIDs:    ids,
		Amount:      amount,
		TxHash:      tx,
		BlockNumber: p.block,
		LogIndex:    lowest,
		Timestamp:   time.Now(),
		Source:      SourceTransfer,
	}

	c.mu.Lock()
	if c.covered.Contains(tx.Hex()) {
		c.mu.Unlock()
		return
	}
	c.covered.Add(tx.Hex())
	fresh := c.emitted.Add(op.Key())
	c.mu.Unlock()

	if fresh {
		c.emit(op)
	}
}

// inspectReceipt folds the full receipt into p and reports whether a
// high-level event in it already covered the transaction.
func (c *Correlator) inspectReceipt(tx common.Hash, p *pendingTx) bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := c.receipts.TransactionReceipt(ctx, tx)
	if err != nil {
		c.logger.Warn("receipt fetch failed, classifying observed transfers", "tx", tx.Hex(), "error", err)
		return false
	}

	covered := false
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Removed {
			continue
		}
		if c.cfg.Contract != (common.Address{}) && lg.Address != c.cfg.Contract {
			continue
		}
		switch {
		case isHighLevel(*lg):
			if c.handleHighLevel(*lg) {
				covered = true
			}
		case isTransfer(*lg):
			if _, seen := p.transfers[lg.Index]; seen {
				continue
			}
			decoded, err := decodeTransfers(*lg)
			if err != nil {
				continue
			}
			if relevant := c.relevant(decoded); len(relevant) > 0 {
				p.transfers[lg.Index] = relevant
			}
		}
	}
	return covered
}

func (c *Correlator) relevant(ts []transfer) []transfer {
	out := make([]transfer, 0, len(ts))
	for _, t := range ts {
		if t.from != c.cfg.Account && t.to != c.cfg.Account {
			continue
		}
		if len(c.tokens) > 0 {
			if _, ok := c.tokens[t.id.String()]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func (c *Correlator) trackedCondition(id common.Hash) bool {
	if len(c.cfg.Conditions) == 0 {
		return true
	}
	_, ok := c.cfg.Conditions[id]
	return ok
}

// conditionOf returns the condition shared by all ids, or the zero hash.
func (c *Correlator) conditionOf(ids []*big.Int) common.Hash {
	var cond common.Hash
	for i, id := range ids {
		got, ok := c.tokens[id.String()]
		if !ok || (i > 0 && got != cond) {
			return common.Hash{}
		}
		cond = got
	}
	return cond
}

func (c *Correlator) emit(op Operation) {
	select {
	case c.ops <- op:
		c.emittedCount.Add(1)
		c.logger.Info("operation observed",
			"kind", op.Kind,
			"tx", op.TxHash.Hex(),
			"log_index", op.LogIndex,
			"source", op.Source,
			"amount", op.Amount.String(),
		)
	case <-c.ctx.Done():
	}
}

func (c *Correlator) fail(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("error channel full, dropping", "error", err)
	}
}

// flatten returns p's transfers in log order and the lowest log index.
func flatten(p *pendingTx) ([]transfer, uint) {
	indexes := make([]uint, 0, len(p.transfers))
	for idx := range p.transfers {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	var out []transfer
	for _, idx := range indexes {
		out = append(out, p.transfers[idx]...)
	}
	var lowest uint
	if len(indexes) > 0 {
		lowest = indexes[0]
	}
	return out, lowest
}
