// Package aux defines the auxiliary storage schema for the Ethereum-domain
// index: key derivation, the RLP wire format of every persisted entry, and the
// append-only writers that stage index updates into a caller's transaction.
package aux

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes. Values under these keys live in kvdb.ColAux; fixed meta keys
// live in kvdb.ColMeta.
const (
	blockHashPrefix  = "ethereum_block_hash:"
	txMetadataPrefix = "ethereum_transaction_hash:"
	schemaCacheKey   = ":ethereum_schema_cache"
	syncTipKey       = ":ethereum_sync_tip"
	syncFinalizedKey = ":ethereum_sync_finalized"
)

// ErrCorrupted marks a value that is present in the store but fails to
// decode. It is distinct from absence: absence means "not yet indexed",
// corruption means the index or store is broken, and callers must not
// conflate the two.
var ErrCorrupted = errors.New("auxiliary index corrupted")

// BlockHashKey derives the store key for the Ethereum block hash index.
func BlockHashKey(ethHash common.Hash) []byte {
	key := make([]byte, 0, len(blockHashPrefix)+common.HashLength)
	key = append(key, blockHashPrefix...)
	return append(key, ethHash[:]...)
}

// TransactionMetadataKey derives the store key for the transaction metadata
// index.
func TransactionMetadataKey(ethTxHash common.Hash) []byte {
	key := make([]byte, 0, len(txMetadataPrefix)+common.HashLength)
	key = append(key, txMetadataPrefix...)
	return append(key, ethTxHash[:]...)
}

// SchemaCacheKey returns the fixed key holding the schema-version cache.
func SchemaCacheKey() []byte {
	return []byte(schemaCacheKey)
}

// SyncTipKey returns the fixed key holding the latest indexed block hash.
func SyncTipKey() []byte {
	return []byte(syncTipKey)
}

// SyncFinalizedKey returns the fixed key holding the latest finalized block
// hash observed by the sync task.
func SyncFinalizedKey() []byte {
	return []byte(syncFinalizedKey)
}

// TransactionMetadata locates one embedded Ethereum transaction: the host
// block that carries it, the Ethereum block it belongs to, and its offset
// within that block. The index is multi-valued across unresolved forks.
type TransactionMetadata struct {
	SubstrateBlockHash common.Hash
	EthereumBlockHash  common.Hash
	EthereumIndex      uint32
}
