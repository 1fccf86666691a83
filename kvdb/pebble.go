package kvdb

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Config holds pebble engine configuration.
type Config struct {
	// Path to the database directory.
	Path string

	// Cache size in MB (default: 64).
	Cache int

	// MaxOpenFiles is the maximum number of open files (default: 1000).
	MaxOpenFiles int

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:         path,
		Cache:        64,
		MaxOpenFiles: 1000,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return errors.New("max open files cannot be negative")
	}
	return nil
}

// PebbleDatabase implements Database over PebbleDB. Engine-level failures
// abort the process: a partially-committed index is worse than a crash, since
// the index can be rebuilt from chain data but silent corruption cannot be
// detected afterwards.
type PebbleDatabase struct {
	db     *pebble.DB
	logger *zap.Logger
}

// NewPebbleDatabase opens (or creates) a pebble-backed auxiliary store.
func NewPebbleDatabase(cfg *Config, logger *zap.Logger) (*PebbleDatabase, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cfg.Cache) << 20),
		MaxOpenFiles: cfg.MaxOpenFiles,
		ReadOnly:     cfg.ReadOnly,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleDatabase{db: db, logger: logger}, nil
}

// physicalKey maps (column, key) onto the single pebble keyspace.
func physicalKey(col Column, key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, byte(col))
	return append(out, key...)
}

// fatal logs the engine failure and aborts the process.
func (d *PebbleDatabase) fatal(operation string, err error) {
	d.logger.Fatal("Auxiliary store engine failure",
		zap.String("operation", operation),
		zap.Error(err),
	)
}

// Get returns the stored value, or nil when absent.
func (d *PebbleDatabase) Get(col Column, key []byte) ([]byte, error) {
	value, closer, err := d.db.Get(physicalKey(col, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		d.fatal("get", err)
		return nil, err // unreachable
	}
	defer closer.Close()

	return append([]byte(nil), value...), nil
}

// Contains reports whether the key is present.
func (d *PebbleDatabase) Contains(col Column, key []byte) (bool, error) {
	value, err := d.Get(col, key)
	return value != nil, err
}

// ValueSize returns the stored value length in bytes, or 0 when absent.
func (d *PebbleDatabase) ValueSize(col Column, key []byte) (int, error) {
	value, err := d.Get(col, key)
	return len(value), err
}

// Commit applies all staged operations atomically.
func (d *PebbleDatabase) Commit(tx *Transaction) error {
	if tx == nil || len(tx.ops) == 0 {
		return nil
	}

	batch := d.db.NewBatch()
	defer batch.Close()

	for _, o := range tx.ops {
		var err error
		switch o.kind {
		case opSet:
			err = batch.Set(physicalKey(o.col, o.key), o.value, nil)
		case opRemove:
			err = batch.Delete(physicalKey(o.col, o.key), nil)
		}
		if err != nil {
			d.fatal("batch", err)
			return err // unreachable
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		d.fatal("commit", err)
		return err // unreachable
	}
	return nil
}

// Close closes the underlying engine.
func (d *PebbleDatabase) Close() error {
	return d.db.Close()
}
