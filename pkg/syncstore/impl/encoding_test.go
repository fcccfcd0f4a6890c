package impl

import (
	"math/big"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d-mooers/ponder/pkg/syncstore"
)

func TestInt256RoundTrip(t *testing.T) {
	t.Parallel()

	almostBound := new(big.Int).Sub(int256Bound, big.NewInt(1))
	for _, v := range []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(-1),
		big.NewInt(1_000_000_000_000),
		new(big.Int).Neg(almostBound),
		almostBound,
	} {
		encoded, err := encodeInt256(v)
		require.NoError(t, err)
		require.Len(t, encoded, int256Digits+1)

		decoded, err := decodeInt256(encoded)
		require.NoError(t, err)
		require.Equal(t, 0, v.Cmp(decoded), "value %s", v)
	}
}

func TestInt256EncodingPreservesOrder(t *testing.T) {
	t.Parallel()

	values := []*big.Int{
		new(big.Int).Neg(new(big.Int).Sub(int256Bound, big.NewInt(1))),
		big.NewInt(-1_000_000),
		big.NewInt(-1),
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(999),
		new(big.Int).Sub(int256Bound, big.NewInt(1)),
	}

	encoded := make([]string, len(values))
	for i, v := range values {
		var err error
		encoded[i], err = encodeInt256(v)
		require.NoError(t, err)
	}
	require.True(t, sort.StringsAreSorted(encoded), "encodings must sort like the numbers: %v", encoded)
}

func TestInt256Overflow(t *testing.T) {
	t.Parallel()

	for _, v := range []*big.Int{
		int256Bound,
		new(big.Int).Neg(int256Bound),
	} {
		_, err := encodeInt256(v)
		require.ErrorIs(t, err, syncstore.ErrNonRetryable)
	}
}

func TestDecodeInt256Malformed(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "1", "2" + "00000000000000000000000000000001"} {
		_, err := decodeInt256(s)
		require.Error(t, err)
	}
}
