// Package backend is the public query facade over the Ethereum-domain index.
// Two interchangeable engines implement it: backend/kv answers from the
// auxiliary key-value index plus runtime reads, backend/sql answers from a
// relational copy maintained by its catch-up indexer. Engine selection
// happens once at startup.
package backend

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meshchain/ethaux/chain"
)

var (
	// ErrRangeTooWide is returned when a filter spans more blocks than the
	// configured limit allows.
	ErrRangeTooWide = errors.New("filter block range too wide")

	// ErrTooManyLogs is returned when a filter matches more logs than the
	// configured limit allows.
	ErrTooManyLogs = errors.New("filter matched too many logs")
)

// Filter selects logs over an inclusive block range.
//
// Addresses is a set: a log matches when its address is a member, or the set
// is empty (wildcard). Topics constrains topic positions: Topics[i] is a set
// of acceptable values for the log's i-th topic, an empty set meaning any
// value. A log with fewer topics than constrained positions does not match.
type Filter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// FilteredLog is one filter match. It pins down exactly which on-chain log
// entry matched, including the storage schema it was decoded under, since log
// encoding differs across schema versions.
type FilteredLog struct {
	SubstrateBlockHash common.Hash
	EthereumBlockHash  common.Hash
	BlockNumber        uint64
	Schema             chain.StorageSchema
	TransactionIndex   uint32
	LogIndex           uint32
	Log                *types.Log
}

// TransactionMetadata mirrors the aux index entry at the query surface.
type TransactionMetadata struct {
	SubstrateBlockHash common.Hash
	EthereumBlockHash  common.Hash
	EthereumIndex      uint32
}

// Backend answers Ethereum-domain queries against the index.
//
// Multi-valued results are returned in full: under unresolved forks an
// Ethereum hash can map to several host blocks, and the caller selects the
// canonical candidate via the host chain's own best-chain or finality API.
// The backend never guesses.
type Backend interface {
	// BlockHash returns every host block hash recorded for the Ethereum
	// block hash. Empty result means not indexed; it is not an error.
	BlockHash(ctx context.Context, ethHash common.Hash) ([]common.Hash, error)

	// TransactionMetadata returns every recorded location of the Ethereum
	// transaction hash.
	TransactionMetadata(ctx context.Context, ethTxHash common.Hash) ([]TransactionMetadata, error)

	// LatestBlockHash returns the most recent host block hash for which the
	// index is known complete.
	LatestBlockHash(ctx context.Context) (common.Hash, error)

	// FilterLogs returns matching logs ordered by block number, then
	// transaction index, then log index. Unknown block numbers in range
	// contribute nothing; store corruption surfaces as an error.
	FilterLogs(ctx context.Context, filter *Filter) ([]FilteredLog, error)
}

// Limits bounds the compute a single FilterLogs call may consume.
type Limits struct {
	// MaxBlockRange is the widest allowed inclusive block range. Zero means
	// unlimited.
	MaxBlockRange uint64

	// MaxLogs caps the result size. Zero means unlimited.
	MaxLogs int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxBlockRange: 2048,
		MaxLogs:       10000,
	}
}

// CheckRange validates the filter's block range against the limits.
func (l Limits) CheckRange(filter *Filter) error {
	if filter.ToBlock < filter.FromBlock {
		return errors.New("filter toBlock is below fromBlock")
	}
	if l.MaxBlockRange > 0 && filter.ToBlock-filter.FromBlock+1 > l.MaxBlockRange {
		return ErrRangeTooWide
	}
	return nil
}

// MatchesAddress reports whether the log passes the address set, an empty set
// matching everything.
func MatchesAddress(log *types.Log, addresses []common.Address) bool {
	if len(addresses) == 0 {
		return true
	}
	for _, addr := range addresses {
		if log.Address == addr {
			return true
		}
	}
	return false
}

// MatchesTopics reports whether the log passes the positional topic sets. A
// log with fewer topics than constrained positions does not match.
func MatchesTopics(log *types.Log, topics [][]common.Hash) bool {
	for i, options := range topics {
		if len(options) == 0 {
			continue
		}
		if i >= len(log.Topics) {
			return false
		}
		matched := false
		for _, option := range options {
			if log.Topics[i] == option {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Matches applies the full filter predicate to one log.
func Matches(log *types.Log, filter *Filter) bool {
	return MatchesAddress(log, filter.Addresses) && MatchesTopics(log, filter.Topics)
}
