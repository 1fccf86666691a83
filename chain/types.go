package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// StorageSchema identifies the on-chain storage layout used by the
// Ethereum-compatibility pallet at a given point in chain history. The layout
// changed across runtime upgrades, so historical blocks must be decoded with
// the schema that was in force when they were produced.
type StorageSchema uint8

const (
	// SchemaUndefined is the zero value; it is never persisted for a live block.
	SchemaUndefined StorageSchema = iota
	SchemaV1
	SchemaV2
	SchemaV3
)

// String returns a human-readable schema name.
func (s StorageSchema) String() string {
	switch s {
	case SchemaUndefined:
		return "undefined"
	case SchemaV1:
		return "v1"
	case SchemaV2:
		return "v2"
	case SchemaV3:
		return "v3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the schema is one of the known versions.
func (s StorageSchema) Valid() bool {
	return s >= SchemaV1 && s <= SchemaV3
}

// ImportNotification is emitted by the host chain client for every imported
// block, including blocks on competing forks. IsNewBest is set when the block
// became the new best block at import time.
type ImportNotification struct {
	Hash       common.Hash
	ParentHash common.Hash
	Number     uint64
	IsNewBest  bool
}

// FinalityNotification is emitted when a block is finalized.
type FinalityNotification struct {
	Hash   common.Hash
	Number uint64
}

// EthereumTransaction is one embedded Ethereum transaction together with its
// receipt logs, already decoded per the schema in force at the block.
type EthereumTransaction struct {
	Hash common.Hash
	Logs []*types.Log
}

// EthereumBlock is the Ethereum-domain view of one host-chain block: the
// Ethereum block hash computed per Ethereum's hashing rules, plus the ordered
// embedded transactions. Blocks without Ethereum data are represented as nil.
type EthereumBlock struct {
	Hash         common.Hash
	Number       uint64
	Transactions []*EthereumTransaction
}
