package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/meshchain/ethaux/chain"
)

// IndexerConfig holds catch-up indexer configuration.
type IndexerConfig struct {
	// PollInterval is how often to check for new chain head (default: 3s).
	PollInterval time.Duration

	// BlocksPerSecond throttles runtime reads against the host node; 0
	// disables throttling.
	BlocksPerSecond float64
}

// Indexer is the re-indexing tool behind the SQL engine: it walks the
// canonical chain from the last indexed height to the current head and writes
// block, transaction, and log rows transactionally. It also repairs the
// canonical flags after re-orgs and repairs blocks the notification-driven
// sync missed.
type Indexer struct {
	db      *gorm.DB
	headers chain.HeaderBackend
	runtime chain.RuntimeClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewIndexer creates a catch-up indexer writing into the given backend.
func NewIndexer(b *Backend, headers chain.HeaderBackend, runtime chain.RuntimeClient, cfg *IndexerConfig, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg != nil && cfg.BlocksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BlocksPerSecond), 1)
	}

	return &Indexer{
		db:      b.db,
		headers: headers,
		runtime: runtime,
		limiter: limiter,
		logger:  logger,
	}
}

// Run catches up repeatedly until the context is cancelled.
func (ix *Indexer) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := ix.CatchUp(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			ix.logger.Error("Catch-up pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CatchUp runs one pass: repair canonical flags after a possible re-org, then
// index every canonical block between the stored height and the chain head.
func (ix *Indexer) CatchUp(ctx context.Context) error {
	resumeFrom, err := ix.repairCanonicalFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to repair canonical flags: %w", err)
	}

	head, err := ix.headers.BestNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	for number := resumeFrom; number <= head; number++ {
		if err := ix.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := ix.indexBlock(ctx, number); err != nil {
			return err
		}
	}
	return nil
}

// repairCanonicalFlags walks the stored canonical tip backwards until it
// agrees with the chain's own number index, flagging rows on abandoned forks
// non-canonical. Returns the height indexing should resume from.
func (ix *Indexer) repairCanonicalFlags(ctx context.Context) (uint64, error) {
	var tip Block
	err := ix.db.WithContext(ctx).
		Where("canonical = ?", true).
		Order("block_number desc").
		First(&tip).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}

	number := tip.BlockNumber
	for {
		var row Block
		err := ix.db.WithContext(ctx).
			Where("canonical = ? AND block_number = ?", true, number).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return number + 1, nil
		}
		if err != nil {
			return 0, err
		}

		chainHash, ok, err := ix.headers.HashByNumber(ctx, number)
		if err != nil {
			return 0, err
		}
		if ok && chainHash.Hex() == row.SubstrateBlockHash {
			return number + 1, nil
		}

		// Stored canonical row is off-chain now; demote it and keep walking.
		if err := ix.db.WithContext(ctx).Model(&Block{}).
			Where("substrate_block_hash = ?", row.SubstrateBlockHash).
			Update("canonical", false).Error; err != nil {
			return 0, err
		}
		ix.logger.Info("Demoted non-canonical block",
			zap.String("substrate_hash", row.SubstrateBlockHash),
			zap.Uint64("number", number),
		)

		if number == 0 {
			return 0, nil
		}
		number--
	}
}

// indexBlock writes one canonical block's rows in a single transaction. A
// block whose Ethereum payload fails to decode is recorded without
// transactions or logs, so the pass does not stall on it.
func (ix *Indexer) indexBlock(ctx context.Context, number uint64) error {
	substrateHash, ok, err := ix.headers.HashByNumber(ctx, number)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	schema, err := ix.runtime.StorageSchemaAt(ctx, substrateHash)
	if err != nil {
		return fmt.Errorf("failed to read schema at %s: %w", substrateHash.Hex(), err)
	}

	ethBlock, err := ix.runtime.EthereumBlockAt(ctx, substrateHash)
	if err != nil {
		if !errors.Is(err, chain.ErrBlockDecode) {
			return err
		}
		ix.logger.Warn("Ethereum payload failed to decode, indexing block without contents",
			zap.String("substrate_hash", substrateHash.Hex()),
			zap.Uint64("number", number),
		)
		ethBlock = nil
	}

	return ix.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		// Re-indexing the same block is idempotent.
		if err := db.Where("substrate_block_hash = ?", substrateHash.Hex()).
			Delete(&Block{}).Error; err != nil {
			return err
		}
		if err := db.Where("substrate_block_hash = ?", substrateHash.Hex()).
			Delete(&Transaction{}).Error; err != nil {
			return err
		}
		if err := db.Where("substrate_block_hash = ?", substrateHash.Hex()).
			Delete(&Log{}).Error; err != nil {
			return err
		}

		block := Block{
			SubstrateBlockHash: substrateHash.Hex(),
			BlockNumber:        number,
			Schema:             uint8(schema),
			Canonical:          true,
		}
		if ethBlock != nil {
			block.EthBlockHash = ethBlock.Hash.Hex()
		}
		if err := db.Create(&block).Error; err != nil {
			return err
		}
		if ethBlock == nil {
			return nil
		}

		for txIndex, ethTx := range ethBlock.Transactions {
			row := Transaction{
				EthTxHash:          ethTx.Hash.Hex(),
				EthBlockHash:       ethBlock.Hash.Hex(),
				SubstrateBlockHash: substrateHash.Hex(),
				TxIndex:            uint32(txIndex),
			}
			if err := db.Create(&row).Error; err != nil {
				return err
			}
			for logIndex, log := range ethTx.Logs {
				logRow := newLogRow(substrateHash, number, uint32(txIndex), uint32(logIndex), log)
				if err := db.Create(&logRow).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
