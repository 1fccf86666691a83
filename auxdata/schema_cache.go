package aux

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/meshchain/ethaux/chain"
	"github.com/meshchain/ethaux/kvdb"
)

// SchemaEntry records the first block at which a pallet storage schema was
// observed.
type SchemaEntry struct {
	Schema    chain.StorageSchema
	BlockHash common.Hash
	Number    uint64
}

// SchemaCache tracks which pallet storage schema applies to which block
// range. Entries strictly ascend by block number; a lookup for height h
// answers with the entry at the greatest recorded height <= h.
//
// The whole ordered sequence persists under one fixed meta key, so every
// update is a read-modify-write of the full list. That stays cheap because
// schema changes are rare (one per runtime upgrade), but it is a known
// scalability limit of the layout.
type SchemaCache struct {
	entries []SchemaEntry
}

// LoadSchemaCache reads the persisted cache, returning an empty cache when
// nothing has been recorded yet and an ErrCorrupted-wrapped error when the
// stored bytes fail to decode.
func LoadSchemaCache(db kvdb.Database) (*SchemaCache, error) {
	raw, err := db.Get(kvdb.ColMeta, SchemaCacheKey())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &SchemaCache{}, nil
	}

	var entries []SchemaEntry
	if err := rlp.DecodeBytes(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: schema cache: %v", ErrCorrupted, err)
	}
	return &SchemaCache{entries: entries}, nil
}

// Entries returns a copy of the cached sequence in ascending block order.
func (c *SchemaCache) Entries() []SchemaEntry {
	return append([]SchemaEntry(nil), c.entries...)
}

// Tip returns the most recent entry.
func (c *SchemaCache) Tip() (SchemaEntry, bool) {
	if len(c.entries) == 0 {
		return SchemaEntry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// SchemaAt returns the schema active at the given height. ok is false when
// the cache has no entry at or below the height; the caller must then fall
// back to reading the schema from runtime storage directly. The fallback is
// the correctness backstop for cold starts and deep re-orgs.
func (c *SchemaCache) SchemaAt(number uint64) (chain.StorageSchema, bool) {
	idx := c.floorIndex(number)
	if idx < 0 {
		return chain.SchemaUndefined, false
	}
	return c.entries[idx].Schema, true
}

// floorIndex returns the index of the last entry with Number <= number, or -1.
func (c *SchemaCache) floorIndex(number uint64) int {
	return sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Number > number
	}) - 1
}

// Note records a schema observation for an imported block. When the observed
// schema matches the one already active at that height, nothing changes and
// nothing is written (idempotence under no-change). Otherwise any entries at
// or above the block's height are dropped, since they described a chain
// segment being rewritten by a re-org, keeping the sequence strictly
// ascending by number; a new entry is appended when the observed schema
// differs from the one active below the cut, and the full re-encoded
// sequence is staged into tx under the fixed cache key so the update commits
// atomically with the block import.
//
// Returns true when the cache changed.
func (c *SchemaCache) Note(schema chain.StorageSchema, hash common.Hash, number uint64, tx *kvdb.Transaction) (bool, error) {
	idx := c.floorIndex(number)

	var active chain.StorageSchema
	if idx >= 0 {
		active = c.entries[idx].Schema
	}
	if active == schema {
		return false, nil
	}

	cut := idx + 1
	if idx >= 0 && c.entries[idx].Number == number {
		cut = idx
	}
	c.entries = c.entries[:cut]

	var below chain.StorageSchema
	if cut > 0 {
		below = c.entries[cut-1].Schema
	}
	if below != schema {
		c.entries = append(c.entries, SchemaEntry{
			Schema:    schema,
			BlockHash: hash,
			Number:    number,
		})
	}

	encoded, err := rlp.EncodeToBytes(c.entries)
	if err != nil {
		return false, fmt.Errorf("failed to encode schema cache: %w", err)
	}
	tx.Set(kvdb.ColMeta, SchemaCacheKey(), encoded)
	return true, nil
}
