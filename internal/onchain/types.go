package onchain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the classified operation type.
type Kind string

const (
	KindSplit  Kind = "split"  // collateral -> paired outcome tokens
	KindMerge  Kind = "merge"  // paired outcome tokens -> collateral
	KindRedeem Kind = "redeem" // winning token -> collateral
)

// Source records which log kind produced an operation.
type Source string

const (
	SourceEvent    Source = "event"    // high-level contract event
	SourceTransfer Source = "transfer" // classified from ERC-1155 transfers
)

// Operation is one observed position-changing operation of the tracked account.
type Operation struct {
	Kind        Kind
	ConditionID common.Hash // zero when transfers span unknown tokens
	TokenIDs    []*big.Int
	Amount      *big.Int // base units; payout for redemptions
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint // high-level log, or lowest transfer log of the group
	Timestamp   time.Time
	Source      Source
}

// Key is the identity used for deduplication.
func (o Operation) Key() string {
	return logKey(o.TxHash, o.LogIndex)
}

func logKey(tx common.Hash, index uint) string {
	return fmt.Sprintf("%s:%d", tx.Hex(), index)
}

// transfer is one token movement decoded from a TransferSingle or
// TransferBatch log.
type transfer struct {
	from     common.Address
	to       common.Address
	id       *big.Int
	value    *big.Int
	logIndex uint
}
