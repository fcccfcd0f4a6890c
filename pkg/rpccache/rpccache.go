// Package rpccache provides a read-only contract caller whose results are
// cached in the sync store. Reads are pinned to a block number, so a cached
// result is deterministic and can be replayed across re-indexing runs without
// touching the RPC provider again.
package rpccache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/d-mooers/ponder/pkg/syncstore"
)

// Caller is the subset of an Ethereum client the cache needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client is a caching read-only RPC client for one chain.
type Client struct {
	log     zerolog.Logger
	store   syncstore.SyncStore
	chainID uint64
	caller  Caller
}

// New creates a caching client over caller for the given chain.
func New(store syncstore.SyncStore, chainID uint64, caller Caller) *Client {
	return &Client{
		log: logger.With().
			Str("component", "rpccache").
			Uint64("chainID", chainID).
			Logger(),
		store:   store,
		chainID: chainID,
		caller:  caller,
	}
}

// ChainID returns the chain the client reads from.
func (c *Client) ChainID() uint64 { return c.chainID }

// CallContract performs an eth_call pinned to blockNumber, serving repeated
// requests from the sync store cache.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if blockNumber == nil {
		return nil, fmt.Errorf("a block number is required for cacheable calls")
	}
	request := requestHash(msg)

	cached, err := c.store.GetRpcRequestResult(ctx, c.chainID, blockNumber.Uint64(), request)
	if err == nil {
		return hexutil.Decode(cached)
	}
	if !errors.Is(err, syncstore.ErrNotFound) {
		return nil, fmt.Errorf("reading rpc cache: %s", err)
	}

	out, err := c.caller.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("calling contract: %s", err)
	}
	if err := c.store.InsertRpcRequestResult(ctx, c.chainID, blockNumber.Uint64(), request, hexutil.Encode(out)); err != nil {
		// The call succeeded; a failed cache write only costs a future RPC.
		c.log.Warn().Err(err).Msg("caching rpc result")
	}
	return out, nil
}

// requestHash fingerprints the deterministic parts of an eth_call.
func requestHash(msg ethereum.CallMsg) string {
	h := sha256.New()
	if msg.To != nil {
		h.Write(msg.To.Bytes())
	}
	h.Write(msg.From.Bytes())
	h.Write(msg.Data)
	if msg.Value != nil {
		h.Write(msg.Value.Bytes())
	}
	return "eth_call:" + hex.EncodeToString(h.Sum(nil))
}
