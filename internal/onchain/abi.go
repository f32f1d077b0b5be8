package onchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// eventsJSON holds the events of the conditional token contract this
// package consumes.
const eventsJSON = `[
  {"anonymous":false,"name":"PositionSplit","type":"event","inputs":[
    {"indexed":true,"name":"stakeholder","type":"address"},
    {"indexed":false,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"partition","type":"uint256[]"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"PositionsMerge","type":"event","inputs":[
    {"indexed":true,"name":"stakeholder","type":"address"},
    {"indexed":false,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"partition","type":"uint256[]"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"PayoutRedemption","type":"event","inputs":[
    {"indexed":true,"name":"redeemer","type":"address"},
    {"indexed":true,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":false,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"indexSets","type":"uint256[]"},
    {"indexed":false,"name":"payout","type":"uint256"}]},
  {"anonymous":false,"name":"TransferSingle","type":"event","inputs":[
    {"indexed":true,"name":"operator","type":"address"},
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"id","type":"uint256"},
    {"indexed":false,"name":"value","type":"uint256"}]},
  {"anonymous":false,"name":"TransferBatch","type":"event","inputs":[
    {"indexed":true,"name":"operator","type":"address"},
    {"indexed":true,"name":"from","type":"address"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"ids","type":"uint256[]"},
    {"indexed":false,"name":"values","type":"uint256[]"}]}
]`

const (
	eventPositionSplit    = "PositionSplit"
	eventPositionsMerge   = "PositionsMerge"
	eventPayoutRedemption = "PayoutRedemption"
	eventTransferSingle   = "TransferSingle"
	eventTransferBatch    = "TransferBatch"
)

var contractABI = mustParseABI(eventsJSON)

// Event signature topics.
var (
	topicPositionSplit    = contractABI.Events[eventPositionSplit].ID
	topicPositionsMerge   = contractABI.Events[eventPositionsMerge].ID
	topicPayoutRedemption = contractABI.Events[eventPayoutRedemption].ID
	topicTransferSingle   = contractABI.Events[eventTransferSingle].ID
	topicTransferBatch    = contractABI.Events[eventTransferBatch].ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("onchain: invalid event ABI: " + err.Error())
	}
	return parsed
}

// highLevelTopics are the operation-specific event signatures.
func highLevelTopics() []common.Hash {
	return []common.Hash{topicPositionSplit, topicPositionsMerge, topicPayoutRedemption}
}

// transferTopics are the ERC-1155 transfer event signatures.
func transferTopics() []common.Hash {
	return []common.Hash{topicTransferSingle, topicTransferBatch}
}
