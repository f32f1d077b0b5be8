// Package onchain implements the On-Chain Operation Correlator.
//
// Split, merge and redeem operations on the conditional token contract are
// visible two ways: a high-level event emitted once per operation
// (PositionSplit, PositionsMerge, PayoutRedemption) and the ERC-1155
// TransferSingle/TransferBatch logs emitted once per token id moved.
//
// The Correlator reports a high-level event for the tracked account
// immediately and marks its transaction covered. Transfer logs of uncovered
// transactions are held for ClassifyWindow and then classified from their
// mint/burn pattern. Every operation is reported once per (tx hash, log
// index); ambiguous patterns are logged and dropped.
//
// The Watcher feeds the Correlator from an ethclient-compatible RPC, using
// log subscriptions when available and block-range polling otherwise.
package onchain
