package aux

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshchain/ethaux/kvdb"
)

func newTestStore(t *testing.T) kvdb.Database {
	t.Helper()

	db, err := kvdb.NewPebbleDatabase(kvdb.DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func TestKeyDerivation(t *testing.T) {
	ethHash := hashOf(0xab)

	blockKey := BlockHashKey(ethHash)
	assert.Equal(t, []byte("ethereum_block_hash:"), blockKey[:20])
	assert.Equal(t, ethHash[:], blockKey[20:])

	txKey := TransactionMetadataKey(ethHash)
	assert.Equal(t, []byte("ethereum_transaction_hash:"), txKey[:26])
	assert.Equal(t, ethHash[:], txKey[26:])

	assert.Equal(t, []byte(":ethereum_schema_cache"), SchemaCacheKey())
	assert.Equal(t, []byte(":ethereum_sync_tip"), SyncTipKey())
	assert.Equal(t, []byte(":ethereum_sync_finalized"), SyncFinalizedKey())
}

func TestLoadBlockHashesAbsent(t *testing.T) {
	db := newTestStore(t)

	hashes, err := LoadBlockHashes(db, hashOf(1))
	require.NoError(t, err)
	assert.Nil(t, hashes)
}

func TestWriteBlockHashAppendsInOrder(t *testing.T) {
	db := newTestStore(t)
	ethHash := hashOf(0xee)
	b1, b2 := hashOf(1), hashOf(2)

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteBlockHash(db, ethHash, b1, tx))
	require.NoError(t, db.Commit(tx))

	tx = &kvdb.Transaction{}
	require.NoError(t, WriteBlockHash(db, ethHash, b2, tx))
	require.NoError(t, db.Commit(tx))

	hashes, err := LoadBlockHashes(db, ethHash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{b1, b2}, hashes, "candidates must keep insertion order")
}

func TestWriteBlockHashStagesWithoutCommitting(t *testing.T) {
	db := newTestStore(t)
	ethHash := hashOf(0xee)

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteBlockHash(db, ethHash, hashOf(1), tx))

	hashes, err := LoadBlockHashes(db, ethHash)
	require.NoError(t, err)
	assert.Nil(t, hashes, "staged writes must not be visible before commit")
}

func TestTransactionMetadataRoundTrip(t *testing.T) {
	db := newTestStore(t)
	txHash := hashOf(0x77)

	first := TransactionMetadata{
		SubstrateBlockHash: hashOf(1),
		EthereumBlockHash:  hashOf(0xee),
		EthereumIndex:      0,
	}
	second := TransactionMetadata{
		SubstrateBlockHash: hashOf(2),
		EthereumBlockHash:  hashOf(0xee),
		EthereumIndex:      3,
	}

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteTransactionMetadata(db, txHash, first, tx))
	require.NoError(t, db.Commit(tx))

	tx = &kvdb.Transaction{}
	require.NoError(t, WriteTransactionMetadata(db, txHash, second, tx))
	require.NoError(t, db.Commit(tx))

	metadata, err := LoadTransactionMetadata(db, txHash)
	require.NoError(t, err)
	assert.Equal(t, []TransactionMetadata{first, second}, metadata)
}

func TestLoadDetectsCorruption(t *testing.T) {
	db := newTestStore(t)
	ethHash := hashOf(0xcc)

	// Three garbage bytes that are not a valid RLP list.
	tx := &kvdb.Transaction{}
	tx.Set(kvdb.ColAux, BlockHashKey(ethHash), []byte{0xff, 0x00, 0xff})
	tx.Set(kvdb.ColAux, TransactionMetadataKey(ethHash), []byte{0xff, 0x00, 0xff})
	require.NoError(t, db.Commit(tx))

	_, err := LoadBlockHashes(db, ethHash)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupted))

	_, err = LoadTransactionMetadata(db, ethHash)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupted))
}

func TestPruneBlockHash(t *testing.T) {
	db := newTestStore(t)
	ethHash := hashOf(0xee)
	canonical, stale := hashOf(1), hashOf(2)

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteBlockHash(db, ethHash, canonical, tx))
	require.NoError(t, WriteBlockHash(db, ethHash, stale, tx))
	require.NoError(t, db.Commit(tx))

	keep := func(h common.Hash) (bool, error) { return h == canonical, nil }

	tx = &kvdb.Transaction{}
	removed, err := PruneBlockHash(db, ethHash, keep, tx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, db.Commit(tx))

	hashes, err := LoadBlockHashes(db, ethHash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{canonical}, hashes)
}

func TestPruneBlockHashRemovesEmptyKey(t *testing.T) {
	db := newTestStore(t)
	ethHash := hashOf(0xee)

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteBlockHash(db, ethHash, hashOf(1), tx))
	require.NoError(t, db.Commit(tx))

	keep := func(common.Hash) (bool, error) { return false, nil }

	tx = &kvdb.Transaction{}
	removed, err := PruneBlockHash(db, ethHash, keep, tx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, db.Commit(tx))

	hashes, err := LoadBlockHashes(db, ethHash)
	require.NoError(t, err)
	assert.Nil(t, hashes, "fully pruned key must read as absent")
}

func TestPruneNoChangeStagesNothing(t *testing.T) {
	db := newTestStore(t)
	ethHash := hashOf(0xee)

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteBlockHash(db, ethHash, hashOf(1), tx))
	require.NoError(t, db.Commit(tx))

	keep := func(common.Hash) (bool, error) { return true, nil }

	tx = &kvdb.Transaction{}
	removed, err := PruneBlockHash(db, ethHash, keep, tx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 0, tx.Len())
}

func TestPruneTransactionMetadata(t *testing.T) {
	db := newTestStore(t)
	txHash := hashOf(0x77)
	canonical, stale := hashOf(1), hashOf(2)

	tx := &kvdb.Transaction{}
	require.NoError(t, WriteTransactionMetadata(db, txHash, TransactionMetadata{
		SubstrateBlockHash: canonical, EthereumBlockHash: hashOf(0xee), EthereumIndex: 0,
	}, tx))
	require.NoError(t, WriteTransactionMetadata(db, txHash, TransactionMetadata{
		SubstrateBlockHash: stale, EthereumBlockHash: hashOf(0xef), EthereumIndex: 0,
	}, tx))
	require.NoError(t, db.Commit(tx))

	keep := func(h common.Hash) (bool, error) { return h == canonical, nil }

	tx = &kvdb.Transaction{}
	removed, err := PruneTransactionMetadata(db, txHash, keep, tx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, db.Commit(tx))

	metadata, err := LoadTransactionMetadata(db, txHash)
	require.NoError(t, err)
	require.Len(t, metadata, 1)
	assert.Equal(t, canonical, metadata[0].SubstrateBlockHash)
}
