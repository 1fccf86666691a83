package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MockBlockSpec describes one block to import into a MockClient.
type MockBlockSpec struct {
	// Parent is the parent block hash; the zero hash imports a genesis block.
	Parent common.Hash

	// Schema is the pallet storage schema in force at this block.
	Schema StorageSchema

	// EthBlock is the embedded Ethereum block. Nil imports a block without
	// Ethereum data.
	EthBlock *EthereumBlock

	// FailDecode makes EthereumBlockAt fail for this block with ErrBlockDecode.
	FailDecode bool
}

type mockBlock struct {
	hash       common.Hash
	parent     common.Hash
	number     uint64
	schema     StorageSchema
	ethBlock   *EthereumBlock
	failDecode bool
}

// MockClient is an in-memory host chain used by tests and the CLI's offline
// mode. It supports fork construction, best-chain switching, and channel-backed
// notification streams.
type MockClient struct {
	mu         sync.RWMutex
	blocks     map[common.Hash]*mockBlock
	canonical  map[uint64]common.Hash
	bestHash   common.Hash
	bestNumber uint64
	seq        uint64

	importCh   chan ImportNotification
	finalityCh chan FinalityNotification
}

// NewMockClient creates an empty mock chain. Notification channels are
// buffered so tests can import ahead of the consumer.
func NewMockClient() *MockClient {
	return &MockClient{
		blocks:     make(map[common.Hash]*mockBlock),
		canonical:  make(map[uint64]common.Hash),
		importCh:   make(chan ImportNotification, 64),
		finalityCh: make(chan FinalityNotification, 64),
	}
}

// ImportBlock adds a block to the mock chain, emits an import notification,
// and returns it. The host block hash is derived from the parent hash and an
// import sequence number, so every imported block is unique.
func (c *MockClient) ImportBlock(spec MockBlockSpec) ImportNotification {
	c.mu.Lock()
	defer c.mu.Unlock()

	var number uint64
	if spec.Parent != (common.Hash{}) {
		parent, ok := c.blocks[spec.Parent]
		if !ok {
			panic(fmt.Sprintf("mock chain: unknown parent %s", spec.Parent.Hex()))
		}
		number = parent.number + 1
	}

	c.seq++
	var seed [40]byte
	copy(seed[:32], spec.Parent[:])
	binary.BigEndian.PutUint64(seed[32:], c.seq)
	hash := crypto.Keccak256Hash(seed[:])

	blk := &mockBlock{
		hash:       hash,
		parent:     spec.Parent,
		number:     number,
		schema:     spec.Schema,
		ethBlock:   spec.EthBlock,
		failDecode: spec.FailDecode,
	}
	if blk.ethBlock != nil {
		blk.ethBlock.Number = number
	}
	c.blocks[hash] = blk

	isNewBest := len(c.blocks) == 1 || number > c.bestNumber
	if isNewBest {
		c.setBestLocked(blk)
	}

	note := ImportNotification{
		Hash:       hash,
		ParentHash: spec.Parent,
		Number:     number,
		IsNewBest:  isNewBest,
	}
	c.importCh <- note
	return note
}

// setBestLocked rewrites the canonical number index along the new best chain.
func (c *MockClient) setBestLocked(tip *mockBlock) {
	c.bestHash = tip.hash
	c.bestNumber = tip.number

	c.canonical = make(map[uint64]common.Hash)
	for blk := tip; ; {
		c.canonical[blk.number] = blk.hash
		if blk.parent == (common.Hash{}) {
			break
		}
		blk = c.blocks[blk.parent]
	}
}

// Finalize emits a finality notification for the given block.
func (c *MockClient) Finalize(hash common.Hash) FinalityNotification {
	c.mu.RLock()
	blk, ok := c.blocks[hash]
	c.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("mock chain: finalizing unknown block %s", hash.Hex()))
	}

	note := FinalityNotification{Hash: blk.hash, Number: blk.number}
	c.finalityCh <- note
	return note
}

// BestNumber implements HeaderBackend.
func (c *MockClient) BestNumber(_ context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bestNumber, nil
}

// BestHash returns the current best block hash.
func (c *MockClient) BestHash() common.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bestHash
}

// Close closes both notification streams.
func (c *MockClient) Close() {
	close(c.importCh)
	close(c.finalityCh)
}

// HashByNumber implements HeaderBackend.
func (c *MockClient) HashByNumber(_ context.Context, number uint64) (common.Hash, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hash, ok := c.canonical[number]
	return hash, ok, nil
}

// NumberByHash implements HeaderBackend.
func (c *MockClient) NumberByHash(_ context.Context, hash common.Hash) (uint64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blk, ok := c.blocks[hash]
	if !ok {
		return 0, false, nil
	}
	return blk.number, true, nil
}

// IsDescendantOf implements HeaderBackend by walking parent links.
func (c *MockClient) IsDescendantOf(_ context.Context, ancestor, descendant common.Hash) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for hash := descendant; ; {
		if hash == ancestor {
			return true, nil
		}
		blk, ok := c.blocks[hash]
		if !ok || blk.parent == (common.Hash{}) {
			return false, nil
		}
		hash = blk.parent
	}
}

// StorageSchemaAt implements RuntimeClient.
func (c *MockClient) StorageSchemaAt(_ context.Context, hash common.Hash) (StorageSchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blk, ok := c.blocks[hash]
	if !ok {
		return SchemaUndefined, fmt.Errorf("unknown block %s", hash.Hex())
	}
	return blk.schema, nil
}

// EthereumBlockAt implements RuntimeClient.
func (c *MockClient) EthereumBlockAt(_ context.Context, hash common.Hash) (*EthereumBlock, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blk, ok := c.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", hash.Hex())
	}
	if blk.failDecode {
		return nil, fmt.Errorf("block %s: %w", hash.Hex(), ErrBlockDecode)
	}
	return blk.ethBlock, nil
}

// ImportNotifications implements Client.
func (c *MockClient) ImportNotifications() <-chan ImportNotification {
	return c.importCh
}

// FinalityNotifications implements Client.
func (c *MockClient) FinalityNotifications() <-chan FinalityNotification {
	return c.finalityCh
}
