package aux

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshchain/ethaux/kvdb"
)

// loadHashMeta reads a fixed meta key holding one 32-byte block hash.
func loadHashMeta(db kvdb.Database, key []byte, what string) (common.Hash, bool, error) {
	raw, err := db.Get(kvdb.ColMeta, key)
	if err != nil {
		return common.Hash{}, false, err
	}
	if raw == nil {
		return common.Hash{}, false, nil
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, false, fmt.Errorf("%w: %s has %d bytes, want %d", ErrCorrupted, what, len(raw), common.HashLength)
	}
	return common.BytesToHash(raw), true, nil
}

// LoadSyncTip returns the most recent block hash for which the index is known
// complete, or ok=false before the sync task has committed anything.
func LoadSyncTip(db kvdb.Database) (common.Hash, bool, error) {
	return loadHashMeta(db, SyncTipKey(), "sync tip")
}

// WriteSyncTip stages the sync tip marker into tx.
func WriteSyncTip(hash common.Hash, tx *kvdb.Transaction) {
	tx.Set(kvdb.ColMeta, SyncTipKey(), hash[:])
}

// LoadSyncFinalized returns the latest finalized block hash observed by the
// sync task.
func LoadSyncFinalized(db kvdb.Database) (common.Hash, bool, error) {
	return loadHashMeta(db, SyncFinalizedKey(), "sync finalized marker")
}

// WriteSyncFinalized stages the finalized marker into tx.
func WriteSyncFinalized(hash common.Hash, tx *kvdb.Transaction) {
	tx.Set(kvdb.ColMeta, SyncFinalizedKey(), hash[:])
}
