package rpccache_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/d-mooers/ponder/pkg/rpccache"
	"github.com/d-mooers/ponder/pkg/syncstore/impl"
	"github.com/d-mooers/ponder/tests"
)

type countingCaller struct {
	calls  int
	result []byte
}

func (c *countingCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.calls++
	return c.result, nil
}

func TestCallContractCaches(t *testing.T) {
	t.Parallel()
	store, err := impl.Open(tests.Sqlite3URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	caller := &countingCaller{result: []byte{0xbe, 0xef}}
	client := rpccache.New(store, 1, caller)

	to := common.BigToAddress(big.NewInt(0xc0))
	msg := ethereum.CallMsg{To: &to, Data: []byte{0x01}}

	for i := 0; i < 3; i++ {
		out, err := client.CallContract(context.Background(), msg, big.NewInt(100))
		require.NoError(t, err)
		require.Equal(t, []byte{0xbe, 0xef}, out)
	}
	require.Equal(t, 1, caller.calls)

	// A different block number misses the cache.
	_, err = client.CallContract(context.Background(), msg, big.NewInt(101))
	require.NoError(t, err)
	require.Equal(t, 2, caller.calls)

	// So does different calldata at the same block.
	msg.Data = []byte{0x02}
	_, err = client.CallContract(context.Background(), msg, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, 3, caller.calls)
}

func TestCallContractRequiresBlockNumber(t *testing.T) {
	t.Parallel()
	store, err := impl.Open(tests.Sqlite3URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := rpccache.New(store, 1, &countingCaller{})
	_, err = client.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.Error(t, err)
}
