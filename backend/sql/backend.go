// Package sql implements the query backend over a relational copy of the
// Ethereum-domain index, maintained by this package's catch-up Indexer. It
// trades the key-value engine's per-query runtime reads for precomputed log
// rows, which makes wide filter ranges cheap.
package sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meshchain/ethaux/backend"
	"github.com/meshchain/ethaux/chain"
)

// Config holds SQL engine configuration.
type Config struct {
	// DSN is the sqlite data source name, e.g. a file path or
	// "file::memory:?cache=shared" for tests.
	DSN string
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return errors.New("dsn cannot be empty")
	}
	return nil
}

// Backend answers Ethereum-domain queries from the relational index.
type Backend struct {
	db     *gorm.DB
	limits backend.Limits
	logger *zap.Logger
}

// Open opens (or creates) the sqlite database and migrates the schema.
func Open(cfg *Config, limits backend.Limits, logger *zap.Logger) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Block{}, &Transaction{}, &Log{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Backend{db: db, limits: limits, logger: logger}, nil
}

// DB exposes the underlying handle for the Indexer.
func (b *Backend) DB() *gorm.DB {
	return b.db
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// BlockHash returns every host block hash recorded for the Ethereum block
// hash, in insertion order.
func (b *Backend) BlockHash(ctx context.Context, ethHash common.Hash) ([]common.Hash, error) {
	var rows []Block
	err := b.db.WithContext(ctx).
		Where("eth_block_hash = ?", ethHash.Hex()).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}

	hashes := make([]common.Hash, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, common.HexToHash(row.SubstrateBlockHash))
	}
	return hashes, nil
}

// TransactionMetadata returns every recorded location of the Ethereum
// transaction hash.
func (b *Backend) TransactionMetadata(ctx context.Context, ethTxHash common.Hash) ([]backend.TransactionMetadata, error) {
	var rows []Transaction
	err := b.db.WithContext(ctx).
		Where("eth_tx_hash = ?", ethTxHash.Hex()).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}

	out := make([]backend.TransactionMetadata, 0, len(rows))
	for _, row := range rows {
		out = append(out, backend.TransactionMetadata{
			SubstrateBlockHash: common.HexToHash(row.SubstrateBlockHash),
			EthereumBlockHash:  common.HexToHash(row.EthBlockHash),
			EthereumIndex:      row.TxIndex,
		})
	}
	return out, nil
}

// LatestBlockHash returns the highest canonical block the indexer has
// committed.
func (b *Backend) LatestBlockHash(ctx context.Context) (common.Hash, error) {
	var row Block
	err := b.db.WithContext(ctx).
		Where("canonical = ?", true).
		Order("block_number desc").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.Hash{}, fmt.Errorf("backend error: index is empty, sync has not started")
		}
		return common.Hash{}, fmt.Errorf("backend error: %w", err)
	}
	return common.HexToHash(row.SubstrateBlockHash), nil
}

// FilterLogs compiles the filter into one WHERE clause over the canonical log
// rows, ordered by (block number, transaction index, log index).
func (b *Backend) FilterLogs(ctx context.Context, filter *backend.Filter) ([]backend.FilteredLog, error) {
	if err := b.limits.CheckRange(filter); err != nil {
		return nil, err
	}

	query := b.db.WithContext(ctx).Model(&Log{}).
		Select("logs.*, blocks.eth_block_hash, blocks.schema").
		Joins("JOIN blocks ON blocks.substrate_block_hash = logs.substrate_block_hash").
		Where("blocks.canonical = ?", true).
		Where("logs.block_number >= ? AND logs.block_number <= ?", filter.FromBlock, filter.ToBlock)

	if len(filter.Addresses) > 0 {
		addresses := make([]string, 0, len(filter.Addresses))
		for _, addr := range filter.Addresses {
			addresses = append(addresses, addr.Hex())
		}
		query = query.Where("logs.address IN ?", addresses)
	}

	for i, options := range filter.Topics {
		if len(options) == 0 {
			continue
		}
		// No stored log carries a topic at a position past the column set,
		// so a constraint there can never match.
		if i >= len(topicColumns) {
			return nil, nil
		}
		topics := make([]string, 0, len(options))
		for _, topic := range options {
			topics = append(topics, topic.Hex())
		}
		query = query.Where(fmt.Sprintf("logs.%s IN ?", topicColumns[i]), topics)
	}

	query = query.Order("logs.block_number asc, logs.tx_index asc, logs.log_index asc")
	if b.limits.MaxLogs > 0 {
		query = query.Limit(b.limits.MaxLogs + 1)
	}

	var rows []struct {
		Log
		EthBlockHash string
		Schema       uint8
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}
	if b.limits.MaxLogs > 0 && len(rows) > b.limits.MaxLogs {
		return nil, backend.ErrTooManyLogs
	}

	out := make([]backend.FilteredLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, backend.FilteredLog{
			SubstrateBlockHash: common.HexToHash(row.SubstrateBlockHash),
			EthereumBlockHash:  common.HexToHash(row.EthBlockHash),
			BlockNumber:        row.BlockNumber,
			Schema:             chain.StorageSchema(row.Schema),
			TransactionIndex:   row.TxIndex,
			LogIndex:           row.LogIndex,
			Log:                row.Log.toLog(),
		})
	}
	return out, nil
}
