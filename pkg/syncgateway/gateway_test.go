package syncgateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d-mooers/ponder/pkg/checkpoints"
)

func newGateway(t *testing.T, chainIDs ...uint64) (*Gateway, *[]checkpoints.Checkpoint) {
	t.Helper()
	g, err := New(chainIDs)
	require.NoError(t, err)
	var emitted []checkpoints.Checkpoint
	g.OnNewCheckpoint(func(c checkpoints.Checkpoint) {
		emitted = append(emitted, c)
	})
	return g, &emitted
}

func TestSingleChainAdvance(t *testing.T) {
	t.Parallel()
	g, emitted := newGateway(t, 1)

	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(10, 1, 100))

	require.Len(t, *emitted, 1)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(10, 1, 100), (*emitted)[0]))
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(10, 1, 100), g.Checkpoint()))
}

func TestTwoChainMinimum(t *testing.T) {
	t.Parallel()
	g, emitted := newGateway(t, 1, 10)

	// One chain alone cannot advance the global checkpoint.
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(10, 1, 100))
	require.Empty(t, *emitted)

	// The slower chain reporting moves the min to chain 1's checkpoint.
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(12, 10, 55))
	require.Len(t, *emitted, 1)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(10, 1, 100), (*emitted)[0]))

	// Chain 1 advancing hands the min to chain 10.
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(15, 1, 150))
	require.Len(t, *emitted, 2)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(12, 10, 55), (*emitted)[1]))
}

func TestRealtimeGatedByHistoricalCompleteness(t *testing.T) {
	t.Parallel()
	g, emitted := newGateway(t, 1, 10)

	// Realtime progress is invisible while historical sync runs.
	g.HandleNewRealtimeCheckpoint(checkpoints.NewBlock(25, 1, 250))
	require.Empty(t, *emitted)

	g.HandleHistoricalSyncComplete(1)
	require.Empty(t, *emitted)

	// Chain 1 is now best-of(historical, realtime); chain 10 is the min.
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(12, 10, 55))
	require.Len(t, *emitted, 1)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(12, 10, 55), (*emitted)[0]))

	g.HandleHistoricalSyncComplete(10)
	g.HandleNewRealtimeCheckpoint(checkpoints.NewBlock(27, 10, 70))
	require.Len(t, *emitted, 2)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(25, 1, 250), (*emitted)[1]))
}

func TestStaleCheckpointsIgnored(t *testing.T) {
	t.Parallel()
	g, emitted := newGateway(t, 1)

	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(10, 1, 100))
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(5, 1, 50))
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(10, 1, 100))

	require.Len(t, *emitted, 1)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(10, 1, 100), g.Checkpoint()))
}

func TestEmissionsAreStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	g, emitted := newGateway(t, 1, 2)

	for _, c := range []checkpoints.Checkpoint{
		checkpoints.NewBlock(10, 1, 100),
		checkpoints.NewBlock(20, 1, 200),
		checkpoints.NewBlock(30, 1, 300),
	} {
		g.HandleNewHistoricalCheckpoint(c)
	}
	for _, c := range []checkpoints.Checkpoint{
		checkpoints.NewBlock(15, 2, 10),
		checkpoints.NewBlock(25, 2, 20),
		checkpoints.NewBlock(40, 2, 30),
	} {
		g.HandleNewHistoricalCheckpoint(c)
	}

	require.NotEmpty(t, *emitted)
	for i := 1; i < len(*emitted); i++ {
		require.Equal(t, -1, checkpoints.Compare((*emitted)[i-1], (*emitted)[i]))
	}
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(30, 1, 300), g.Checkpoint()))
}

func TestFinalityCheckpoint(t *testing.T) {
	t.Parallel()
	g, err := New([]uint64{1, 2})
	require.NoError(t, err)
	var emitted []checkpoints.Checkpoint
	g.OnNewFinalityCheckpoint(func(c checkpoints.Checkpoint) {
		emitted = append(emitted, c)
	})

	g.HandleNewFinalityCheckpoint(checkpoints.NewBlock(10, 1, 100))
	require.Empty(t, emitted)

	g.HandleNewFinalityCheckpoint(checkpoints.NewBlock(8, 2, 40))
	require.Len(t, emitted, 1)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(8, 2, 40), emitted[0]))
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(8, 2, 40), g.FinalityCheckpoint()))
}

func TestReorgPassthrough(t *testing.T) {
	t.Parallel()
	g, err := New([]uint64{1})
	require.NoError(t, err)
	var reorgs []checkpoints.Checkpoint
	g.OnReorg(func(c checkpoints.Checkpoint) {
		reorgs = append(reorgs, c)
	})

	safe := checkpoints.NewBlock(90, 1, 900)
	g.HandleReorg(safe)
	require.Len(t, reorgs, 1)
	require.True(t, checkpoints.Equal(safe, reorgs[0]))
}

func TestResetCheckpoints(t *testing.T) {
	t.Parallel()
	g, emitted := newGateway(t, 1)

	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(10, 1, 100))
	g.HandleNewFinalityCheckpoint(checkpoints.NewBlock(5, 1, 50))
	require.Len(t, *emitted, 1)

	g.ResetCheckpoints(1)
	require.True(t, checkpoints.Equal(checkpoints.Zero, g.Checkpoint()))
	require.True(t, checkpoints.Equal(checkpoints.Zero, g.FinalityCheckpoint()))

	// Progress can be re-reported and re-emitted after a reset.
	g.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(7, 1, 70))
	require.Len(t, *emitted, 2)
	require.True(t, checkpoints.Equal(checkpoints.NewBlock(7, 1, 70), (*emitted)[1]))
}
