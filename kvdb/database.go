package kvdb

// Column identifies one logical keyspace in the auxiliary store. Columns are
// small integers so engines can map them onto a one-byte physical prefix.
type Column uint8

const (
	// ColMeta holds operational metadata: the schema-version cache, sync
	// markers, and anything the inspection CLI manipulates.
	ColMeta Column = iota

	// ColAux holds the Ethereum-domain index relations.
	ColAux

	numColumns
)

// Valid reports whether the column is one of the defined keyspaces.
func (c Column) Valid() bool {
	return c < numColumns
}

type opKind uint8

const (
	opSet opKind = iota
	opRemove
)

type op struct {
	kind  opKind
	col   Column
	key   []byte
	value []byte
}

// Transaction is an ordered sequence of set/remove operations applied
// atomically by Database.Commit. It accumulates in memory and never touches
// the store until committed, so callers can stage index writes alongside the
// block import they derive from.
type Transaction struct {
	ops []op
}

// Set stages a write. Key and value are copied.
func (t *Transaction) Set(col Column, key, value []byte) {
	t.ops = append(t.ops, op{
		kind:  opSet,
		col:   col,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Remove stages a deletion. The key is copied.
func (t *Transaction) Remove(col Column, key []byte) {
	t.ops = append(t.ops, op{
		kind: opRemove,
		col:  col,
		key:  append([]byte(nil), key...),
	})
}

// Len returns the number of staged operations.
func (t *Transaction) Len() int {
	return len(t.ops)
}

// Database is the auxiliary key-value store contract. Absence is represented
// as (nil, nil) from Get, never as an error; engine-level failures are treated
// as unrecoverable by implementations (the index is a derived artifact that
// can be rebuilt, silent corruption cannot), so the error returns here exist
// for engines that can distinguish recoverable conditions.
type Database interface {
	// Get returns the stored value, or nil when the key is absent.
	Get(col Column, key []byte) ([]byte, error)

	// Contains reports whether the key is present.
	Contains(col Column, key []byte) (bool, error)

	// ValueSize returns the stored value length in bytes, or 0 when absent.
	ValueSize(col Column, key []byte) (int, error)

	// Commit applies all staged operations atomically.
	Commit(tx *Transaction) error

	// Close releases the underlying engine.
	Close() error
}

// SanitizeKey strips a fixed-length hash suffix from a raw engine key.
// Single-column engines that hash-prefix their keys for collision avoidance
// append such a suffix; for engines that do not, suffixLen is 0 and this is a
// no-op. Keys shorter than the suffix are returned unchanged.
func SanitizeKey(key []byte, suffixLen int) []byte {
	if suffixLen <= 0 || len(key) < suffixLen {
		return key
	}
	return key[:len(key)-suffixLen]
}
