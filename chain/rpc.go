package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// wellKnownSchemaKey is the fixed runtime storage key holding the pallet
// storage schema version, hex-encoded for state_getStorage.
var wellKnownSchemaKey = "0x" + hex.EncodeToString([]byte(":ethereum_schema"))

// rpcHeader is the host chain header shape returned by chain_getHeader.
type rpcHeader struct {
	ParentHash common.Hash    `json:"parentHash"`
	Number     hexutil.Uint64 `json:"number"`
}

// rpcEthBlock is the slim eth_getBlockByNumber result used to list embedded
// transactions.
type rpcEthBlock struct {
	Hash         common.Hash   `json:"hash"`
	Transactions []common.Hash `json:"transactions"`
}

// RPCClient implements Client over a host node's JSON-RPC endpoint. Import and
// finality notifications are synthesized by polling the chain head, which
// means fork blocks that never become best are not observed; a node-embedded
// deployment sees those through its notification streams instead.
type RPCClient struct {
	rpc      *rpc.Client
	endpoint string
	logger   *zap.Logger

	pollInterval time.Duration
	importCh     chan ImportNotification
	finalityCh   chan FinalityNotification

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	lastBest      common.Hash
	lastFinalized common.Hash
}

// Dial connects to the host node and starts the head polling loop.
func Dial(endpoint string, timeout time.Duration, logger *zap.Logger) (*RPCClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialCtx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(dialCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	c := &RPCClient{
		rpc:          rpcClient,
		endpoint:     endpoint,
		logger:       logger,
		pollInterval: time.Second,
		importCh:     make(chan ImportNotification, 64),
		finalityCh:   make(chan FinalityNotification, 64),
	}

	// Verify the endpoint speaks the host chain RPC before starting.
	var genesis *common.Hash
	if err := rpcClient.CallContext(dialCtx, &genesis, "chain_getBlockHash", 0); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to read genesis hash: %w", err)
	}

	logger.Info("Connected to host node", zap.String("endpoint", endpoint))

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.pollLoop(pollCtx)

	return c, nil
}

// Close stops polling and closes the notification streams.
func (c *RPCClient) Close() {
	c.cancel()
	c.wg.Wait()
	close(c.importCh)
	close(c.finalityCh)
	c.rpc.Close()
}

// pollLoop synthesizes notifications from the chain head.
func (c *RPCClient) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.pollBest(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Head poll failed", zap.Error(err))
		}
		if err := c.pollFinalized(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Finalized head poll failed", zap.Error(err))
		}
	}
}

// pollBest emits import notifications for new best blocks, oldest first. On a
// large gap only the most recent blocks are replayed; the rest are left to a
// catch-up resync.
func (c *RPCClient) pollBest(ctx context.Context) error {
	var bestHash common.Hash
	if err := c.rpc.CallContext(ctx, &bestHash, "chain_getBlockHash"); err != nil {
		return err
	}

	c.mu.Lock()
	last := c.lastBest
	c.mu.Unlock()
	if bestHash == last {
		return nil
	}

	const maxReplay = 64
	var pending []ImportNotification
	hash := bestHash
	for i := 0; i < maxReplay && hash != last && hash != (common.Hash{}); i++ {
		header, err := c.header(ctx, hash)
		if err != nil {
			return err
		}
		if header == nil {
			break
		}
		pending = append(pending, ImportNotification{
			Hash:       hash,
			ParentHash: header.ParentHash,
			Number:     uint64(header.Number),
			IsNewBest:  hash == bestHash,
		})
		if header.Number == 0 {
			break
		}
		hash = header.ParentHash
	}

	for i := len(pending) - 1; i >= 0; i-- {
		select {
		case c.importCh <- pending[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.lastBest = bestHash
	c.mu.Unlock()
	return nil
}

func (c *RPCClient) pollFinalized(ctx context.Context) error {
	var finalized common.Hash
	if err := c.rpc.CallContext(ctx, &finalized, "chain_getFinalizedHead"); err != nil {
		return err
	}

	c.mu.Lock()
	last := c.lastFinalized
	c.mu.Unlock()
	if finalized == last {
		return nil
	}

	header, err := c.header(ctx, finalized)
	if err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("finalized head %s has no header", finalized.Hex())
	}

	select {
	case c.finalityCh <- FinalityNotification{Hash: finalized, Number: uint64(header.Number)}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.lastFinalized = finalized
	c.mu.Unlock()
	return nil
}

// header fetches a header by hash; nil means the node does not know the block.
func (c *RPCClient) header(ctx context.Context, hash common.Hash) (*rpcHeader, error) {
	var header *rpcHeader
	if err := c.rpc.CallContext(ctx, &header, "chain_getHeader", hash); err != nil {
		return nil, err
	}
	return header, nil
}

// HashByNumber implements HeaderBackend.
func (c *RPCClient) HashByNumber(ctx context.Context, number uint64) (common.Hash, bool, error) {
	var hash *common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "chain_getBlockHash", hexutil.Uint64(number)); err != nil {
		return common.Hash{}, false, err
	}
	if hash == nil {
		return common.Hash{}, false, nil
	}
	return *hash, true, nil
}

// NumberByHash implements HeaderBackend.
func (c *RPCClient) NumberByHash(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	header, err := c.header(ctx, hash)
	if err != nil {
		return 0, false, err
	}
	if header == nil {
		return 0, false, nil
	}
	return uint64(header.Number), true, nil
}

// IsDescendantOf implements HeaderBackend by walking parent links from
// descendant down to the ancestor's height.
func (c *RPCClient) IsDescendantOf(ctx context.Context, ancestor, descendant common.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}

	ancestorHeader, err := c.header(ctx, ancestor)
	if err != nil {
		return false, err
	}
	if ancestorHeader == nil {
		return false, fmt.Errorf("unknown ancestor %s", ancestor.Hex())
	}

	hash := descendant
	for {
		header, err := c.header(ctx, hash)
		if err != nil {
			return false, err
		}
		if header == nil || uint64(header.Number) <= uint64(ancestorHeader.Number) {
			return false, nil
		}
		if header.ParentHash == ancestor {
			return true, nil
		}
		hash = header.ParentHash
	}
}

// BestNumber implements HeaderBackend.
func (c *RPCClient) BestNumber(ctx context.Context) (uint64, error) {
	var header *rpcHeader
	if err := c.rpc.CallContext(ctx, &header, "chain_getHeader"); err != nil {
		return 0, err
	}
	if header == nil {
		return 0, fmt.Errorf("node returned no best header")
	}
	return uint64(header.Number), nil
}

// StorageSchemaAt implements RuntimeClient by reading the well-known schema
// key from runtime storage as of the given block.
func (c *RPCClient) StorageSchemaAt(ctx context.Context, hash common.Hash) (StorageSchema, error) {
	var raw *hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &raw, "state_getStorage", wellKnownSchemaKey, hash); err != nil {
		return SchemaUndefined, err
	}
	if raw == nil || len(*raw) == 0 {
		return SchemaUndefined, nil
	}

	schema := StorageSchema((*raw)[0])
	if !schema.Valid() {
		return SchemaUndefined, fmt.Errorf("unknown storage schema byte %#x at %s", (*raw)[0], hash.Hex())
	}
	return schema, nil
}

// EthereumBlockAt implements RuntimeClient over the node's Ethereum RPC
// surface. That surface only resolves canonical blocks, so non-canonical fork
// blocks are reported as decode failures and left to the fork-tolerant read
// path.
func (c *RPCClient) EthereumBlockAt(ctx context.Context, hash common.Hash) (*EthereumBlock, error) {
	header, err := c.header(ctx, hash)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("unknown block %s", hash.Hex())
	}
	number := uint64(header.Number)

	canonical, ok, err := c.HashByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !ok || canonical != hash {
		return nil, fmt.Errorf("block %s is not canonical, payload not retrievable over RPC: %w", hash.Hex(), ErrBlockDecode)
	}

	var ethBlock *rpcEthBlock
	if err := c.rpc.CallContext(ctx, &ethBlock, "eth_getBlockByNumber", hexutil.Uint64(number), false); err != nil {
		return nil, err
	}
	if ethBlock == nil {
		return nil, nil
	}

	var logs []types.Log
	if err := c.rpc.CallContext(ctx, &logs, "eth_getLogs", map[string]interface{}{
		"blockHash": ethBlock.Hash,
	}); err != nil {
		return nil, err
	}

	block := &EthereumBlock{
		Hash:   ethBlock.Hash,
		Number: number,
	}
	for _, txHash := range ethBlock.Transactions {
		block.Transactions = append(block.Transactions, &EthereumTransaction{Hash: txHash})
	}
	for i := range logs {
		log := logs[i]
		if int(log.TxIndex) >= len(block.Transactions) {
			return nil, fmt.Errorf("log references transaction %d of %d in block %s: %w",
				log.TxIndex, len(block.Transactions), ethBlock.Hash.Hex(), ErrBlockDecode)
		}
		tx := block.Transactions[log.TxIndex]
		tx.Logs = append(tx.Logs, &log)
	}

	return block, nil
}

// ImportNotifications implements Client.
func (c *RPCClient) ImportNotifications() <-chan ImportNotification {
	return c.importCh
}

// FinalityNotifications implements Client.
func (c *RPCClient) FinalityNotifications() <-chan FinalityNotification {
	return c.finalityCh
}
