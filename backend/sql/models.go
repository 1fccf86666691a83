package sql

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is one indexed host block and its embedded Ethereum block hash.
// Non-canonical fork rows are kept with Canonical false rather than deleted,
// mirroring the fork-tolerant key-value index.
type Block struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	SubstrateBlockHash string `gorm:"size:66;uniqueIndex"`
	EthBlockHash       string `gorm:"size:66;index"`
	BlockNumber        uint64 `gorm:"index"`
	Schema             uint8
	Canonical          bool `gorm:"index"`
}

// Transaction locates one embedded Ethereum transaction.
type Transaction struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	EthTxHash          string `gorm:"size:66;index"`
	EthBlockHash       string `gorm:"size:66"`
	SubstrateBlockHash string `gorm:"size:66;index"`
	TxIndex            uint32
}

// Log is one receipt log, denormalized for filter queries. Topics beyond the
// log's actual count stay empty strings, so positional topic constraints
// never match them.
type Log struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	SubstrateBlockHash string `gorm:"size:66;index"`
	BlockNumber        uint64 `gorm:"index:idx_logs_order,priority:1"`
	TxIndex            uint32 `gorm:"index:idx_logs_order,priority:2"`
	LogIndex           uint32 `gorm:"index:idx_logs_order,priority:3"`
	Address            string `gorm:"size:42;index"`
	Topic0             string `gorm:"size:66;index"`
	Topic1             string `gorm:"size:66"`
	Topic2             string `gorm:"size:66"`
	Topic3             string `gorm:"size:66"`
	Data               []byte
}

// topicColumns is the positional topic column list used by the filter query
// builder.
var topicColumns = [4]string{"topic0", "topic1", "topic2", "topic3"}

// newLogRow flattens a receipt log into its table row.
func newLogRow(substrateHash common.Hash, blockNumber uint64, txIndex, logIndex uint32, log *types.Log) Log {
	row := Log{
		SubstrateBlockHash: substrateHash.Hex(),
		BlockNumber:        blockNumber,
		TxIndex:            txIndex,
		LogIndex:           logIndex,
		Address:            log.Address.Hex(),
		Data:               log.Data,
	}
	topics := [4]*string{&row.Topic0, &row.Topic1, &row.Topic2, &row.Topic3}
	for i, topic := range log.Topics {
		if i >= len(topics) {
			break
		}
		*topics[i] = topic.Hex()
	}
	return row
}

// toLog reconstructs the go-ethereum log from a table row.
func (l *Log) toLog() *types.Log {
	var topics []common.Hash
	for _, t := range []string{l.Topic0, l.Topic1, l.Topic2, l.Topic3} {
		if t == "" {
			break
		}
		topics = append(topics, common.HexToHash(t))
	}
	return &types.Log{
		Address:     common.HexToAddress(l.Address),
		Topics:      topics,
		Data:        l.Data,
		BlockNumber: l.BlockNumber,
		TxIndex:     uint(l.TxIndex),
		Index:       uint(l.LogIndex),
		BlockHash:   common.HexToHash(l.SubstrateBlockHash),
	}
}
