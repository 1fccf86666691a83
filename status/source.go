package status

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshchain/ethaux/auxdata"
	"github.com/meshchain/ethaux/chain"
	"github.com/meshchain/ethaux/kvdb"
)

// StoreSource builds snapshots straight from the auxiliary store. Heights for
// the tip and finalized markers come from the header backend; headers may be
// nil, in which case heights are omitted as zero.
type StoreSource struct {
	db      kvdb.Database
	headers chain.HeaderBackend
}

// NewStoreSource creates a snapshot source over the auxiliary store.
func NewStoreSource(db kvdb.Database, headers chain.HeaderBackend) *StoreSource {
	return &StoreSource{db: db, headers: headers}
}

// Snapshot implements Source.
func (s *StoreSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{}

	tip, ok, err := aux.LoadSyncTip(s.db)
	if err != nil {
		return nil, err
	}
	if ok {
		snapshot.SyncTip, err = s.blockRef(ctx, tip)
		if err != nil {
			return nil, err
		}
	}

	finalized, ok, err := aux.LoadSyncFinalized(s.db)
	if err != nil {
		return nil, err
	}
	if ok {
		snapshot.Finalized, err = s.blockRef(ctx, finalized)
		if err != nil {
			return nil, err
		}
	}

	cache, err := aux.LoadSchemaCache(s.db)
	if err != nil {
		return nil, err
	}
	entries := cache.Entries()
	snapshot.SchemaHistory = make([]SchemaEntry, 0, len(entries))
	for _, entry := range entries {
		snapshot.SchemaHistory = append(snapshot.SchemaHistory, SchemaEntry{
			Schema: entry.Schema.String(),
			Hash:   entry.BlockHash.Hex(),
			Number: entry.Number,
		})
	}

	return snapshot, nil
}

func (s *StoreSource) blockRef(ctx context.Context, hash common.Hash) (*BlockRef, error) {
	ref := &BlockRef{Hash: hash.Hex()}
	if s.headers != nil {
		number, ok, err := s.headers.NumberByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if ok {
			ref.Number = number
		}
	}
	return ref, nil
}
