// Package kv implements the query backend over the auxiliary key-value index
// maintained by mapsync. Hash lookups come straight from the index; log
// filtering resolves each block in range through the host chain's header
// index and decodes its Ethereum payload per the schema in force there.
package kv

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/meshchain/ethaux/auxdata"
	"github.com/meshchain/ethaux/backend"
	"github.com/meshchain/ethaux/chain"
	"github.com/meshchain/ethaux/kvdb"
)

// Backend answers Ethereum-domain queries from the auxiliary index. It is
// stateless beyond its collaborator references and safe for concurrent use;
// reader isolation is delegated to the store's transaction semantics.
type Backend struct {
	db      kvdb.Database
	headers chain.HeaderBackend
	runtime chain.RuntimeClient
	limits  backend.Limits
	logger  *zap.Logger
}

// New creates a key-value query backend.
func New(db kvdb.Database, headers chain.HeaderBackend, runtime chain.RuntimeClient, limits backend.Limits, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		db:      db,
		headers: headers,
		runtime: runtime,
		limits:  limits,
		logger:  logger,
	}
}

// BlockHash returns every host block hash recorded for the Ethereum block
// hash, in insertion order.
func (b *Backend) BlockHash(_ context.Context, ethHash common.Hash) ([]common.Hash, error) {
	hashes, err := aux.LoadBlockHashes(b.db, ethHash)
	if err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}
	return hashes, nil
}

// TransactionMetadata returns every recorded location of the Ethereum
// transaction hash.
func (b *Backend) TransactionMetadata(_ context.Context, ethTxHash common.Hash) ([]backend.TransactionMetadata, error) {
	entries, err := aux.LoadTransactionMetadata(b.db, ethTxHash)
	if err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}

	out := make([]backend.TransactionMetadata, 0, len(entries))
	for _, e := range entries {
		out = append(out, backend.TransactionMetadata{
			SubstrateBlockHash: e.SubstrateBlockHash,
			EthereumBlockHash:  e.EthereumBlockHash,
			EthereumIndex:      e.EthereumIndex,
		})
	}
	return out, nil
}

// LatestBlockHash returns the sync tip: the most recent block hash for which
// the index is known complete.
func (b *Backend) LatestBlockHash(_ context.Context) (common.Hash, error) {
	tip, ok, err := aux.LoadSyncTip(b.db)
	if err != nil {
		return common.Hash{}, fmt.Errorf("backend error: %w", err)
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("backend error: index is empty, sync has not started")
	}
	return tip, nil
}

// FilterLogs walks the canonical chain over the filter's block range and
// returns matching logs in ascending (block number, transaction index, log
// index) order.
func (b *Backend) FilterLogs(ctx context.Context, filter *backend.Filter) ([]backend.FilteredLog, error) {
	if err := b.limits.CheckRange(filter); err != nil {
		return nil, err
	}

	cache, err := aux.LoadSchemaCache(b.db)
	if err != nil {
		return nil, fmt.Errorf("backend error: %w", err)
	}

	var out []backend.FilteredLog
	for number := filter.FromBlock; number <= filter.ToBlock; number++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		substrateHash, ok, err := b.headers.HashByNumber(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("backend error: resolve block %d: %w", number, err)
		}
		if !ok {
			// Beyond the known chain; contributes nothing.
			continue
		}

		schema, err := b.schemaFor(ctx, cache, number, substrateHash)
		if err != nil {
			return nil, fmt.Errorf("backend error: schema for block %d: %w", number, err)
		}

		ethBlock, err := b.runtime.EthereumBlockAt(ctx, substrateHash)
		if err != nil {
			return nil, fmt.Errorf("backend error: ethereum block at %s: %w", substrateHash.Hex(), err)
		}
		if ethBlock == nil {
			continue
		}

		for txIndex, ethTx := range ethBlock.Transactions {
			for logIndex, log := range ethTx.Logs {
				if !backend.Matches(log, filter) {
					continue
				}
				if b.limits.MaxLogs > 0 && len(out) >= b.limits.MaxLogs {
					return nil, backend.ErrTooManyLogs
				}
				out = append(out, backend.FilteredLog{
					SubstrateBlockHash: substrateHash,
					EthereumBlockHash:  ethBlock.Hash,
					BlockNumber:        number,
					Schema:             schema,
					TransactionIndex:   uint32(txIndex),
					LogIndex:           uint32(logIndex),
					Log:                log,
				})
			}
		}
	}
	return out, nil
}

// schemaFor resolves the storage schema for a block, preferring the cache and
// falling back to a direct runtime read. The fallback is mandatory: a freshly
// syncing node or a re-org past all cached entries would otherwise decode
// with the wrong layout.
func (b *Backend) schemaFor(ctx context.Context, cache *aux.SchemaCache, number uint64, hash common.Hash) (chain.StorageSchema, error) {
	if schema, ok := cache.SchemaAt(number); ok {
		return schema, nil
	}
	return b.runtime.StorageSchemaAt(ctx, hash)
}
