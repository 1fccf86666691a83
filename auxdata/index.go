package aux

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/meshchain/ethaux/kvdb"
)

// LoadBlockHashes returns every host block hash recorded for the given
// Ethereum block hash, in insertion order. More than one entry means competing
// forks have produced the same Ethereum block and have not been pruned yet;
// the caller disambiguates via the host chain's canonical-chain API.
//
// Absence returns (nil, nil). Bytes that fail to decode return an error
// wrapping ErrCorrupted.
func LoadBlockHashes(db kvdb.Database, ethHash common.Hash) ([]common.Hash, error) {
	raw, err := db.Get(kvdb.ColAux, BlockHashKey(ethHash))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var hashes []common.Hash
	if err := rlp.DecodeBytes(raw, &hashes); err != nil {
		return nil, fmt.Errorf("%w: block hash index for %s: %v", ErrCorrupted, ethHash.Hex(), err)
	}
	return hashes, nil
}

// WriteBlockHash appends one host block hash to the Ethereum block hash index,
// staging the re-encoded list into the caller's transaction. It never commits:
// atomicity with the block import belongs to the caller. Existing entries are
// preserved verbatim.
func WriteBlockHash(db kvdb.Database, ethHash, substrateHash common.Hash, tx *kvdb.Transaction) error {
	hashes, err := LoadBlockHashes(db, ethHash)
	if err != nil {
		return err
	}
	hashes = append(hashes, substrateHash)

	encoded, err := rlp.EncodeToBytes(hashes)
	if err != nil {
		return fmt.Errorf("failed to encode block hash index: %w", err)
	}
	tx.Set(kvdb.ColAux, BlockHashKey(ethHash), encoded)
	return nil
}

// LoadTransactionMetadata returns every recorded location of the given
// Ethereum transaction hash, in insertion order. Same absence/corruption
// contract as LoadBlockHashes.
func LoadTransactionMetadata(db kvdb.Database, ethTxHash common.Hash) ([]TransactionMetadata, error) {
	raw, err := db.Get(kvdb.ColAux, TransactionMetadataKey(ethTxHash))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var metadata []TransactionMetadata
	if err := rlp.DecodeBytes(raw, &metadata); err != nil {
		return nil, fmt.Errorf("%w: transaction metadata for %s: %v", ErrCorrupted, ethTxHash.Hex(), err)
	}
	return metadata, nil
}

// WriteTransactionMetadata appends one location entry to the transaction
// metadata index, staging the re-encoded list into the caller's transaction.
func WriteTransactionMetadata(db kvdb.Database, ethTxHash common.Hash, meta TransactionMetadata, tx *kvdb.Transaction) error {
	metadata, err := LoadTransactionMetadata(db, ethTxHash)
	if err != nil {
		return err
	}
	metadata = append(metadata, meta)

	encoded, err := rlp.EncodeToBytes(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	tx.Set(kvdb.ColAux, TransactionMetadataKey(ethTxHash), encoded)
	return nil
}

// PruneBlockHash drops block hash candidates rejected by keep, staging the
// rewrite (or removal, when nothing survives) into tx. Used by the
// finalization pass to discard stale fork entries. Returns the number of
// entries removed.
func PruneBlockHash(db kvdb.Database, ethHash common.Hash, keep func(common.Hash) (bool, error), tx *kvdb.Transaction) (int, error) {
	hashes, err := LoadBlockHashes(db, ethHash)
	if err != nil {
		return 0, err
	}
	if hashes == nil {
		return 0, nil
	}

	total := len(hashes)
	kept := hashes[:0]
	for _, h := range hashes {
		ok, err := keep(h)
		if err != nil {
			return 0, err
		}
		if ok {
			kept = append(kept, h)
		}
	}
	removed := total - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if len(kept) == 0 {
		tx.Remove(kvdb.ColAux, BlockHashKey(ethHash))
		return removed, nil
	}
	encoded, err := rlp.EncodeToBytes(kept)
	if err != nil {
		return 0, fmt.Errorf("failed to encode block hash index: %w", err)
	}
	tx.Set(kvdb.ColAux, BlockHashKey(ethHash), encoded)
	return removed, nil
}

// PruneTransactionMetadata drops metadata entries whose host block is rejected
// by keep, staging the rewrite into tx. Returns the number of entries removed.
func PruneTransactionMetadata(db kvdb.Database, ethTxHash common.Hash, keep func(common.Hash) (bool, error), tx *kvdb.Transaction) (int, error) {
	metadata, err := LoadTransactionMetadata(db, ethTxHash)
	if err != nil {
		return 0, err
	}
	if metadata == nil {
		return 0, nil
	}

	total := len(metadata)
	kept := metadata[:0]
	for _, m := range metadata {
		ok, err := keep(m.SubstrateBlockHash)
		if err != nil {
			return 0, err
		}
		if ok {
			kept = append(kept, m)
		}
	}
	removed := total - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if len(kept) == 0 {
		tx.Remove(kvdb.ColAux, TransactionMetadataKey(ethTxHash))
		return removed, nil
	}
	encoded, err := rlp.EncodeToBytes(kept)
	if err != nil {
		return 0, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	tx.Set(kvdb.ColAux, TransactionMetadataKey(ethTxHash), encoded)
	return removed, nil
}
