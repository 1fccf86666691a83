package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrBlockDecode is returned by RuntimeClient implementations when a block's
// Ethereum-domain payload exists but cannot be decoded. The sync task treats
// this as skip-and-continue, never as fatal.
var ErrBlockDecode = errors.New("ethereum block decode failed")

// HeaderBackend exposes the host chain's header index: number/hash resolution
// on the canonical chain plus ancestry checks across forks.
type HeaderBackend interface {
	// HashByNumber resolves the canonical block hash at the given height.
	// ok is false when the height is beyond the known chain; that is not an
	// error.
	HashByNumber(ctx context.Context, number uint64) (hash common.Hash, ok bool, err error)

	// NumberByHash resolves the height of a block by hash, canonical or not.
	NumberByHash(ctx context.Context, hash common.Hash) (number uint64, ok bool, err error)

	// IsDescendantOf reports whether descendant is equal to or a descendant of
	// ancestor.
	IsDescendantOf(ctx context.Context, ancestor, descendant common.Hash) (bool, error)

	// BestNumber returns the height of the current best block.
	BestNumber(ctx context.Context) (uint64, error)
}

// RuntimeClient reads Ethereum-domain data out of the host chain's runtime
// storage as of a specific block.
type RuntimeClient interface {
	// StorageSchemaAt returns the pallet storage schema in force at the given
	// block. This is the slow path behind the schema cache and must work for
	// any known block, canonical or not.
	StorageSchemaAt(ctx context.Context, hash common.Hash) (StorageSchema, error)

	// EthereumBlockAt returns the embedded Ethereum block for the given host
	// block, decoded per the schema in force there. Returns (nil, nil) when
	// the block carries no Ethereum data, and an error wrapping ErrBlockDecode
	// when the payload is present but undecodable.
	EthereumBlockAt(ctx context.Context, hash common.Hash) (*EthereumBlock, error)
}

// Client is the full host-chain collaborator surface consumed by the sync
// task: header index, runtime reads, and the two notification streams.
type Client interface {
	HeaderBackend
	RuntimeClient

	// ImportNotifications returns the stream of block import events. The
	// channel closes on client shutdown.
	ImportNotifications() <-chan ImportNotification

	// FinalityNotifications returns the stream of finalization events. The
	// channel closes on client shutdown.
	FinalityNotifications() <-chan FinalityNotification
}
