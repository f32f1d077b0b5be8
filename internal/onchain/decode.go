package onchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// highLevel is a decoded PositionSplit, PositionsMerge or PayoutRedemption log.
type highLevel struct {
	kind        Kind
	account     common.Address
	conditionID common.Hash
	amount      *big.Int
}

func isHighLevel(lg types.Log) bool {
	if len(lg.Topics) == 0 {
		return false
	}
	switch lg.Topics[0] {
	case topicPositionSplit, topicPositionsMerge, topicPayoutRedemption:
		return true
	}
	return false
}

func isTransfer(lg types.Log) bool {
	if len(lg.Topics) == 0 {
		return false
	}
	return lg.Topics[0] == topicTransferSingle || lg.Topics[0] == topicTransferBatch
}

func decodeHighLevel(lg types.Log) (highLevel, error) {
	if len(lg.Topics) < 4 {
		return highLevel{}, fmt.Errorf("expected 4 topics, got %d", len(lg.Topics))
	}

	var (
		name string
		out  highLevel
	)
	switch lg.Topics[0] {
	case topicPositionSplit:
		name, out.kind = eventPositionSplit, KindSplit
	case topicPositionsMerge:
		name, out.kind = eventPositionsMerge, KindMerge
	case topicPayoutRedemption:
		name, out.kind = eventPayoutRedemption, KindRedeem
	default:
		return highLevel{}, fmt.Errorf("unexpected topic %s", lg.Topics[0].Hex())
	}

	fields := make(map[string]interface{})
	if err := contractABI.UnpackIntoMap(fields, name, lg.Data); err != nil {
		return highLevel{}, fmt.Errorf("unpack %s: %w", name, err)
	}
	out.account = common.BytesToAddress(lg.Topics[1].Bytes())

	if out.kind == KindRedeem {
		cond, ok := fields["conditionId"].([32]byte)
		if !ok {
			return highLevel{}, fmt.Errorf("%s: missing conditionId", name)
		}
		out.conditionID = common.Hash(cond)
		out.amount, _ = fields["payout"].(*big.Int)
	} else {
		out.conditionID = lg.Topics[3]
		out.amount, _ = fields["amount"].(*big.Int)
	}
	if out.amount == nil {
		return highLevel{}, fmt.Errorf("%s: missing amount", name)
	}
	return out, nil
}

func decodeTransfers(lg types.Log) ([]transfer, error) {
	if len(lg.Topics) < 4 {
		return nil, fmt.Errorf("expected 4 topics, got %d", len(lg.Topics))
	}
	from := common.BytesToAddress(lg.Topics[2].Bytes())
	to := common.BytesToAddress(lg.Topics[3].Bytes())

	fields := make(map[string]interface{})
	switch lg.Topics[0] {
	case topicTransferSingle:
		if err := contractABI.UnpackIntoMap(fields, eventTransferSingle, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack %s: %w", eventTransferSingle, err)
		}
		id, _ := fields["id"].(*big.Int)
		value, _ := fields["value"].(*big.Int)
		if id == nil || value == nil {
			return nil, fmt.Errorf("%s: missing id or value", eventTransferSingle)
		}
		return []transfer{{from: from, to: to, id: id, value: value, logIndex: lg.Index}}, nil

	case topicTransferBatch:
		if err := contractABI.UnpackIntoMap(fields, eventTransferBatch, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack %s: %w", eventTransferBatch, err)
		}
		ids, _ := fields["ids"].([]*big.Int)
		values, _ := fields["values"].([]*big.Int)
		if len(ids) != len(values) {
			return nil, fmt.Errorf("%s: %d ids but %d values", eventTransferBatch, len(ids), len(values))
		}
		out := make([]transfer, len(ids))
		for i := range ids {
			out[i] = transfer{from: from, to: to, id: ids[i], value: values[i], logIndex: lg.Index}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected topic %s", lg.Topics[0].Hex())
}

// classify derives an operation kind from the account's transfers within one
// transaction. Mints of one or two token ids are a split, burns of two ids a
// merge, and a burn of a single id a redemption. Transfers that neither mint
// to nor burn from the account report ok=false with a nil error; mixed or
// oversized patterns return an error.
func classify(account common.Address, transfers []transfer) (Kind, []*big.Int, *big.Int, bool, error) {
	var (
		mints = make(map[string]*big.Int)
		burns = make(map[string]*big.Int)
		ids   = make(map[string]*big.Int)
		order []string
	)
	zero := common.Address{}
	for _, t := range transfers {
		var bucket map[string]*big.Int
		switch {
		case t.from == zero && t.to == account:
			bucket = mints
		case t.from == account && t.to == zero:
			bucket = burns
		default:
			continue
		}
		key := t.id.String()
		if _, ok := ids[key]; !ok {
			ids[key] = t.id
			order = append(order, key)
		}
		sum, ok := bucket[key]
		if !ok {
			sum = new(big.Int)
			bucket[key] = sum
		}
		sum.Add(sum, t.value)
	}

	switch {
	case len(mints) == 0 && len(burns) == 0:
		return "", nil, nil, false, nil
	case len(mints) > 0 && len(burns) > 0:
		return "", nil, nil, false, fmt.Errorf("transaction both mints %d and burns %d token ids", len(mints), len(burns))
	}

	tokenIDs := make([]*big.Int, 0, len(order))
	for _, key := range order {
		tokenIDs = append(tokenIDs, ids[key])
	}

	switch {
	case len(mints) == 1 || len(mints) == 2:
		return KindSplit, tokenIDs, maxValue(mints), true, nil
	case len(burns) == 2:
		return KindMerge, tokenIDs, maxValue(burns), true, nil
	case len(burns) == 1:
		return KindRedeem, tokenIDs, maxValue(burns), true, nil
	case len(mints) > 0:
		return "", nil, nil, false, fmt.Errorf("transaction mints %d token ids", len(mints))
	default:
		return "", nil, nil, false, fmt.Errorf("transaction burns %d token ids", len(burns))
	}
}

func maxValue(m map[string]*big.Int) *big.Int {
	out := new(big.Int)
	for _, v := range m {
		if v.Cmp(out) > 0 {
			out.Set(v)
		}
	}
	return out
}
