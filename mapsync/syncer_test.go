package mapsync

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshchain/ethaux/auxdata"
	"github.com/meshchain/ethaux/chain"
	"github.com/meshchain/ethaux/kvdb"
)

type syncFixture struct {
	db      kvdb.Database
	client  *chain.MockClient
	syncer  *Syncer
	metrics *Metrics
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	db, err := kvdb.NewPebbleDatabase(kvdb.DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := chain.NewMockClient()
	metrics := NewMetrics(prometheus.NewRegistry())

	syncer, err := New(db, client, nil, metrics)
	require.NoError(t, err)

	return &syncFixture{db: db, client: client, syncer: syncer, metrics: metrics}
}

func ethBlock(seed byte, txCount int) *chain.EthereumBlock {
	blk := &chain.EthereumBlock{Hash: common.Hash{0xee, seed}}
	for i := 0; i < txCount; i++ {
		blk.Transactions = append(blk.Transactions, &chain.EthereumTransaction{
			Hash: common.Hash{0x77, seed, byte(i)},
		})
	}
	return blk
}

// drainImport pops the buffered notification the mock emitted so Run-based
// tests never see it twice.
func (f *syncFixture) drainImport(t *testing.T) chain.ImportNotification {
	t.Helper()
	select {
	case note := <-f.client.ImportNotifications():
		return note
	default:
		t.Fatal("no buffered import notification")
		return chain.ImportNotification{}
	}
}

func (f *syncFixture) drainFinality(t *testing.T) chain.FinalityNotification {
	t.Helper()
	select {
	case note := <-f.client.FinalityNotifications():
		return note
	default:
		t.Fatal("no buffered finality notification")
		return chain.FinalityNotification{}
	}
}

func TestImportIndexesBlockAndTransactions(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	blk := ethBlock(1, 2)
	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3, EthBlock: blk})
	f.drainImport(t)

	f.syncer.HandleImport(ctx, note)

	hashes, err := aux.LoadBlockHashes(f.db, blk.Hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{note.Hash}, hashes)

	for i, tx := range blk.Transactions {
		metadata, err := aux.LoadTransactionMetadata(f.db, tx.Hash)
		require.NoError(t, err)
		require.Len(t, metadata, 1)
		assert.Equal(t, note.Hash, metadata[0].SubstrateBlockHash)
		assert.Equal(t, blk.Hash, metadata[0].EthereumBlockHash)
		assert.Equal(t, uint32(i), metadata[0].EthereumIndex)
	}

	tip, ok, err := aux.LoadSyncTip(f.db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, note.Hash, tip)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.BlocksIndexed))
	assert.Equal(t, float64(2), promtestutil.ToFloat64(f.metrics.TransactionsIndexed))
}

func TestImportRecordsSchemaObservation(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV1})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, note)

	cache, err := aux.LoadSchemaCache(f.db)
	require.NoError(t, err)
	entries := cache.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, chain.SchemaV1, entries[0].Schema)
	assert.Equal(t, note.Hash, entries[0].BlockHash)

	// Same schema on the child block: cache unchanged on disk.
	child := f.client.ImportBlock(chain.MockBlockSpec{Parent: note.Hash, Schema: chain.SchemaV1})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, child)

	cache, err = aux.LoadSchemaCache(f.db)
	require.NoError(t, err)
	assert.Len(t, cache.Entries(), 1)
}

func TestImportDecodeFailureSkipsBlockKeepsSchema(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV2, FailDecode: true})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, note)

	// The schema observation still committed.
	cache, err := aux.LoadSchemaCache(f.db)
	require.NoError(t, err)
	assert.Len(t, cache.Entries(), 1)

	// The tip did not advance: the index for this block is incomplete.
	_, ok, err := aux.LoadSyncTip(f.db)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.DecodeSkips))
	assert.Equal(t, float64(0), promtestutil.ToFloat64(f.metrics.BlocksIndexed))
}

func TestImportBlockWithoutEthereumData(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, note)

	// No index rows, but the tip still advances: the block is fully processed.
	tip, ok, err := aux.LoadSyncTip(f.db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, note.Hash, tip)
	assert.Equal(t, float64(0), promtestutil.ToFloat64(f.metrics.BlocksIndexed))
}

func TestForkBlocksAreBothIndexed(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// Two competing children of the same genesis carrying the same Ethereum
	// payload.
	genesis := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, genesis)

	blk := ethBlock(7, 1)
	a := f.client.ImportBlock(chain.MockBlockSpec{Parent: genesis.Hash, Schema: chain.SchemaV3, EthBlock: blk})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, a)

	blkCopy := &chain.EthereumBlock{Hash: blk.Hash, Transactions: blk.Transactions}
	b := f.client.ImportBlock(chain.MockBlockSpec{Parent: genesis.Hash, Schema: chain.SchemaV3, EthBlock: blkCopy})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, b)

	hashes, err := aux.LoadBlockHashes(f.db, blk.Hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{a.Hash, b.Hash}, hashes, "both fork candidates must be recorded, in import order")
}

func TestReorgMovesTipAndCounts(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	genesis := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, genesis)

	a := f.client.ImportBlock(chain.MockBlockSpec{Parent: genesis.Hash, Schema: chain.SchemaV3})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, a)

	// Sibling fork overtakes via a longer chain.
	b := f.client.ImportBlock(chain.MockBlockSpec{Parent: genesis.Hash, Schema: chain.SchemaV3})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, b)

	c := f.client.ImportBlock(chain.MockBlockSpec{Parent: b.Hash, Schema: chain.SchemaV3})
	f.drainImport(t)
	require.True(t, c.IsNewBest)
	f.syncer.HandleImport(ctx, c)

	tip, ok, err := aux.LoadSyncTip(f.db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.Hash, tip)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.metrics.ReorgsObserved))
}

func TestFinalizationPrunesStaleForkEntries(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	genesis := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, genesis)

	blkA := ethBlock(1, 1)
	a := f.client.ImportBlock(chain.MockBlockSpec{Parent: genesis.Hash, Schema: chain.SchemaV3, EthBlock: blkA})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, a)

	blkB := ethBlock(2, 1)
	b := f.client.ImportBlock(chain.MockBlockSpec{Parent: genesis.Hash, Schema: chain.SchemaV3, EthBlock: blkB})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, b)

	// Finalizing a discards b's entries.
	fin := f.client.Finalize(a.Hash)
	f.drainFinality(t)
	f.syncer.HandleFinality(ctx, fin)

	marker, ok, err := aux.LoadSyncFinalized(f.db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Hash, marker)

	hashes, err := aux.LoadBlockHashes(f.db, blkA.Hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{a.Hash}, hashes)

	hashes, err = aux.LoadBlockHashes(f.db, blkB.Hash)
	require.NoError(t, err)
	assert.Nil(t, hashes, "stale fork block entry must be pruned")

	metadata, err := aux.LoadTransactionMetadata(f.db, blkB.Transactions[0].Hash)
	require.NoError(t, err)
	assert.Nil(t, metadata)

	// blkB carried one block entry and one tx entry.
	assert.Equal(t, float64(2), promtestutil.ToFloat64(f.metrics.ForkEntriesPruned))
}

func TestRunProcessesStreamsUntilClosed(t *testing.T) {
	f := newSyncFixture(t)

	blk := ethBlock(5, 1)
	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3, EthBlock: blk})
	f.client.Close()

	err := f.syncer.Run(context.Background())
	require.NoError(t, err)

	hashes, err := aux.LoadBlockHashes(f.db, blk.Hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{note.Hash}, hashes)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newSyncFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.syncer.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyncerResumesFromPersistedState(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV2})
	f.drainImport(t)
	f.syncer.HandleImport(ctx, note)

	// A fresh Syncer over the same store sees the committed tip and cache.
	reloaded, err := New(f.db, f.client, nil, NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.Equal(t, note.Hash, reloaded.tip)

	schema, ok := reloaded.cache.SchemaAt(note.Number)
	require.True(t, ok)
	assert.Equal(t, chain.SchemaV2, schema)
}

func TestNewDefaultsNilCollaborators(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	syncer, err := New(f.db, f.client, nil, nil)
	require.NoError(t, err)

	// Both handlers touch metrics; neither may panic without an injected set.
	blk := ethBlock(8, 1)
	note := f.client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV3, EthBlock: blk})
	f.drainImport(t)
	syncer.HandleImport(ctx, note)

	fin := f.client.Finalize(note.Hash)
	f.drainFinality(t)
	syncer.HandleFinality(ctx, fin)

	hashes, err := aux.LoadBlockHashes(f.db, blk.Hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{note.Hash}, hashes)
}

func TestIndexSurvivesStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := kvdb.NewPebbleDatabase(kvdb.DefaultConfig(dir), nil)
	require.NoError(t, err)

	client := chain.NewMockClient()
	syncer, err := New(db, client, nil, NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	blk := ethBlock(9, 1)
	note := client.ImportBlock(chain.MockBlockSpec{Schema: chain.SchemaV2, EthBlock: blk})
	<-client.ImportNotifications()
	syncer.HandleImport(ctx, note)

	require.NoError(t, db.Close())

	// Everything the import committed comes back together after a restart:
	// block hash index, transaction metadata, schema cache, and the tip.
	db, err = kvdb.NewPebbleDatabase(kvdb.DefaultConfig(dir), nil)
	require.NoError(t, err)
	defer db.Close()

	hashes, err := aux.LoadBlockHashes(db, blk.Hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{note.Hash}, hashes)

	metadata, err := aux.LoadTransactionMetadata(db, blk.Transactions[0].Hash)
	require.NoError(t, err)
	require.Len(t, metadata, 1)
	assert.Equal(t, note.Hash, metadata[0].SubstrateBlockHash)
	assert.Equal(t, blk.Hash, metadata[0].EthereumBlockHash)

	cache, err := aux.LoadSchemaCache(db)
	require.NoError(t, err)
	schema, ok := cache.SchemaAt(note.Number)
	require.True(t, ok)
	assert.Equal(t, chain.SchemaV2, schema)

	tip, ok, err := aux.LoadSyncTip(db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, note.Hash, tip)
}
