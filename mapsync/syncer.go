// Package mapsync drives the Ethereum-domain index forward as the host chain
// imports and finalizes blocks. One Syncer runs per node process and is the
// sole writer to the auxiliary index; readers go through the backend package.
package mapsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/meshchain/ethaux/auxdata"
	"github.com/meshchain/ethaux/chain"
	"github.com/meshchain/ethaux/kvdb"
)

// trackedBlock remembers what one import wrote, so the finalization pass can
// prune stale fork entries without scanning the whole index.
type trackedBlock struct {
	substrateHash common.Hash
	ethBlockHash  common.Hash
	ethTxHashes   []common.Hash
}

// Syncer consumes the host chain's import and finality notification streams
// and maintains the auxiliary index. All store writes for one notification
// happen in a single atomic transaction on the same call stack that received
// the notification, so the index never becomes visible in a half-updated
// state.
type Syncer struct {
	db      kvdb.Database
	client  chain.Client
	logger  *zap.Logger
	metrics *Metrics

	cache *aux.SchemaCache
	tip   common.Hash

	// tracked holds per-height index writes since the last finalization,
	// keyed by block number. Rebuilt empty on restart: pruning after a
	// restart only covers blocks indexed since, which is acceptable because
	// pruning is an optimization over the fork-tolerant read path, not a
	// correctness requirement.
	tracked map[uint64][]trackedBlock
}

// New creates a Syncer, loading the persisted schema cache and sync markers.
// Nil logger and metrics fall back to no-op implementations.
func New(db kvdb.Database, client chain.Client, logger *zap.Logger, metrics *Metrics) (*Syncer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	cache, err := aux.LoadSchemaCache(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema cache: %w", err)
	}

	tip, _, err := aux.LoadSyncTip(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync tip: %w", err)
	}

	return &Syncer{
		db:      db,
		client:  client,
		logger:  logger,
		metrics: metrics,
		cache:   cache,
		tip:     tip,
		tracked: make(map[uint64][]trackedBlock),
	}, nil
}

// Run processes notifications until the context is cancelled or both input
// streams close. It never returns an error for a single bad block; only a
// store-level failure (which aborts the process inside kvdb) or context
// cancellation ends a healthy run.
func (s *Syncer) Run(ctx context.Context) error {
	imports := s.client.ImportNotifications()
	finality := s.client.FinalityNotifications()

	s.logger.Info("Mapping sync task started")

	for imports != nil || finality != nil {
		select {
		case <-ctx.Done():
			s.logger.Info("Mapping sync task stopping", zap.Error(ctx.Err()))
			return ctx.Err()

		case note, ok := <-imports:
			if !ok {
				imports = nil
				continue
			}
			s.HandleImport(ctx, note)

		case note, ok := <-finality:
			if !ok {
				finality = nil
				continue
			}
			s.HandleFinality(ctx, note)
		}
	}

	s.logger.Info("Mapping sync task finished: notification streams closed")
	return nil
}

// HandleImport indexes one imported block, canonical or not. A block that is
// only briefly the best block may still be queried before finality, so every
// import is indexed. Exported so node-embedded deployments can feed
// notifications directly instead of going through Run.
func (s *Syncer) HandleImport(ctx context.Context, note chain.ImportNotification) {
	tx := &kvdb.Transaction{}

	// Observe the schema at this block directly from runtime storage; the
	// cache serves historical reads, not import-time observation.
	schema, err := s.client.StorageSchemaAt(ctx, note.Hash)
	if err != nil {
		s.logger.Error("Failed to read storage schema, skipping block",
			zap.String("hash", note.Hash.Hex()),
			zap.Uint64("number", note.Number),
			zap.Error(err),
		)
		return
	}

	changed, err := s.cache.Note(schema, note.Hash, note.Number, tx)
	if err != nil {
		s.logger.Error("Failed to update schema cache, skipping block",
			zap.String("hash", note.Hash.Hex()),
			zap.Error(err),
		)
		return
	}
	if changed {
		s.logger.Info("Storage schema change observed",
			zap.String("schema", schema.String()),
			zap.String("hash", note.Hash.Hex()),
			zap.Uint64("number", note.Number),
		)
	}

	ethBlock, err := s.client.EthereumBlockAt(ctx, note.Hash)
	if err != nil {
		// One bad block must not stop the import pipeline. The schema
		// observation is still valid and still commits.
		if errors.Is(err, chain.ErrBlockDecode) {
			s.metrics.DecodeSkips.Inc()
			s.logger.Warn("Ethereum payload failed to decode, block not indexed",
				zap.String("hash", note.Hash.Hex()),
				zap.Uint64("number", note.Number),
				zap.Error(err),
			)
		} else {
			s.logger.Error("Failed to read Ethereum block, block not indexed",
				zap.String("hash", note.Hash.Hex()),
				zap.Uint64("number", note.Number),
				zap.Error(err),
			)
		}
		s.commit(tx)
		return
	}

	if ethBlock != nil {
		if err := s.stageIndexWrites(note, ethBlock, tx); err != nil {
			s.logger.Error("Failed to stage index writes, block not indexed",
				zap.String("hash", note.Hash.Hex()),
				zap.Error(err),
			)
			return
		}
	}

	if note.IsNewBest {
		if s.tip != (common.Hash{}) && note.ParentHash != s.tip {
			s.metrics.ReorgsObserved.Inc()
			s.logger.Info("Re-org observed at sync tip",
				zap.String("old_tip", s.tip.Hex()),
				zap.String("new_best", note.Hash.Hex()),
				zap.Uint64("number", note.Number),
			)
		}
		aux.WriteSyncTip(note.Hash, tx)
	}

	s.commit(tx)

	if note.IsNewBest {
		s.tip = note.Hash
		s.metrics.SyncHeight.Set(float64(note.Number))
	}
	if ethBlock != nil {
		s.metrics.BlocksIndexed.Inc()
		s.metrics.TransactionsIndexed.Add(float64(len(ethBlock.Transactions)))
		s.logger.Debug("Indexed block",
			zap.String("substrate_hash", note.Hash.Hex()),
			zap.String("ethereum_hash", ethBlock.Hash.Hex()),
			zap.Uint64("number", note.Number),
			zap.Int("transactions", len(ethBlock.Transactions)),
		)
	}
}

// stageIndexWrites appends the block hash and per-transaction metadata
// entries into tx and records the block for the finalization pruning pass.
func (s *Syncer) stageIndexWrites(note chain.ImportNotification, ethBlock *chain.EthereumBlock, tx *kvdb.Transaction) error {
	if err := aux.WriteBlockHash(s.db, ethBlock.Hash, note.Hash, tx); err != nil {
		return err
	}

	tracked := trackedBlock{
		substrateHash: note.Hash,
		ethBlockHash:  ethBlock.Hash,
	}
	for i, ethTx := range ethBlock.Transactions {
		meta := aux.TransactionMetadata{
			SubstrateBlockHash: note.Hash,
			EthereumBlockHash:  ethBlock.Hash,
			EthereumIndex:      uint32(i),
		}
		if err := aux.WriteTransactionMetadata(s.db, ethTx.Hash, meta, tx); err != nil {
			return err
		}
		tracked.ethTxHashes = append(tracked.ethTxHashes, ethTx.Hash)
	}

	s.tracked[note.Number] = append(s.tracked[note.Number], tracked)
	return nil
}

// HandleFinality records the finalized marker and prunes index entries that
// belong to forks excluded by the finalized chain. Pruning failures are
// logged and dropped; the multi-candidate read path stays correct without
// pruning.
func (s *Syncer) HandleFinality(ctx context.Context, note chain.FinalityNotification) {
	tx := &kvdb.Transaction{}
	aux.WriteSyncFinalized(note.Hash, tx)

	keep := func(candidate common.Hash) (bool, error) {
		return s.client.IsDescendantOf(ctx, candidate, note.Hash)
	}

	pruned := 0
	for number, blocks := range s.tracked {
		if number > note.Number {
			continue
		}
		for _, blk := range blocks {
			n, err := aux.PruneBlockHash(s.db, blk.ethBlockHash, keep, tx)
			if err != nil {
				s.logger.Warn("Fork pruning failed for block hash index",
					zap.String("ethereum_hash", blk.ethBlockHash.Hex()),
					zap.Error(err),
				)
				continue
			}
			pruned += n
			for _, txHash := range blk.ethTxHashes {
				n, err := aux.PruneTransactionMetadata(s.db, txHash, keep, tx)
				if err != nil {
					s.logger.Warn("Fork pruning failed for transaction metadata",
						zap.String("ethereum_tx_hash", txHash.Hex()),
						zap.Error(err),
					)
					continue
				}
				pruned += n
			}
		}
		delete(s.tracked, number)
	}

	s.commit(tx)

	s.metrics.FinalizedHeight.Set(float64(note.Number))
	if pruned > 0 {
		s.metrics.ForkEntriesPruned.Add(float64(pruned))
	}
	s.logger.Debug("Finalization processed",
		zap.String("hash", note.Hash.Hex()),
		zap.Uint64("number", note.Number),
		zap.Int("pruned", pruned),
	)
}

// commit applies the staged transaction. Engine failures abort inside kvdb.
func (s *Syncer) commit(tx *kvdb.Transaction) {
	if tx.Len() == 0 {
		return
	}
	if err := s.db.Commit(tx); err != nil {
		// Reachable only for engines that surface recoverable commit errors.
		s.logger.Error("Auxiliary store commit failed", zap.Error(err))
	}
}
