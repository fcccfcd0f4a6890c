package checkpoints

import (
	"fmt"
	"math"
	"strconv"
)

// Checkpoint identifies a position in the merged cross-chain event stream.
// The total order is lexicographic over (BlockTimestamp, ChainID, BlockNumber,
// LogIndex). A checkpoint without a log index marks a block boundary; when it
// has to be compared against concrete event checkpoints the caller resolves it
// to the start or the end of the block (see Bound).
type Checkpoint struct {
	BlockTimestamp uint64
	ChainID        uint64
	BlockNumber    uint64
	LogIndex       uint32
	HasLogIndex    bool
}

// Zero is the lowest checkpoint.
var Zero = Checkpoint{HasLogIndex: true}

// Max saturates every field and compares greater or equal to any checkpoint.
var Max = Checkpoint{
	BlockTimestamp: math.MaxUint64,
	ChainID:        math.MaxUint64,
	BlockNumber:    math.MaxUint64,
	LogIndex:       math.MaxUint32,
	HasLogIndex:    true,
}

// New returns an event checkpoint with a concrete log index.
func New(blockTimestamp, chainID, blockNumber uint64, logIndex uint32) Checkpoint {
	return Checkpoint{
		BlockTimestamp: blockTimestamp,
		ChainID:        chainID,
		BlockNumber:    blockNumber,
		LogIndex:       logIndex,
		HasLogIndex:    true,
	}
}

// NewBlock returns a block-boundary checkpoint without a log index.
func NewBlock(blockTimestamp, chainID, blockNumber uint64) Checkpoint {
	return Checkpoint{
		BlockTimestamp: blockTimestamp,
		ChainID:        chainID,
		BlockNumber:    blockNumber,
	}
}

// Bound resolves a missing log index to a concrete one: the end of the block
// when the checkpoint is used as an upper bound, the start of the block when
// used as a lower bound. Checkpoints that already carry a log index are
// returned unchanged.
func (c Checkpoint) Bound(upper bool) Checkpoint {
	if c.HasLogIndex {
		return c
	}
	c.HasLogIndex = true
	if upper {
		c.LogIndex = math.MaxUint32
	} else {
		c.LogIndex = 0
	}
	return c
}

// Compare returns -1, 0 or 1. Missing log indexes are resolved as block ends,
// which is the meaning every producer of block-level checkpoints (gateway,
// collectors) gives them.
func Compare(a, b Checkpoint) int {
	a, b = a.Bound(true), b.Bound(true)
	switch {
	case a.BlockTimestamp != b.BlockTimestamp:
		return cmpUint64(a.BlockTimestamp, b.BlockTimestamp)
	case a.ChainID != b.ChainID:
		return cmpUint64(a.ChainID, b.ChainID)
	case a.BlockNumber != b.BlockNumber:
		return cmpUint64(a.BlockNumber, b.BlockNumber)
	case a.LogIndex != b.LogIndex:
		return cmpUint64(uint64(a.LogIndex), uint64(b.LogIndex))
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

// Equal reports whether a and b occupy the same position in the order.
func Equal(a, b Checkpoint) bool { return Compare(a, b) == 0 }

// MinOf returns the smallest of the provided checkpoints.
func MinOf(cs ...Checkpoint) Checkpoint {
	min := cs[0]
	for _, c := range cs[1:] {
		if Compare(c, min) < 0 {
			min = c
		}
	}
	return min
}

// MaxOf returns the largest of the provided checkpoints.
func MaxOf(cs ...Checkpoint) Checkpoint {
	max := cs[0]
	for _, c := range cs[1:] {
		if Compare(c, max) > 0 {
			max = c
		}
	}
	return max
}

// Encode renders the checkpoint as a fixed-width decimal string whose
// lexicographic order equals the checkpoint order. Missing log indexes encode
// as block ends so encoded block-level and event-level checkpoints interleave
// correctly.
func (c Checkpoint) Encode() string {
	b := c.Bound(true)
	return fmt.Sprintf("%020d%020d%020d%010d", b.BlockTimestamp, b.ChainID, b.BlockNumber, b.LogIndex)
}

// Decode parses a string produced by Encode.
func Decode(s string) (Checkpoint, error) {
	if len(s) != 70 {
		return Checkpoint{}, fmt.Errorf("encoded checkpoint must be 70 chars, got %d", len(s))
	}
	fields := []string{s[0:20], s[20:40], s[40:60], s[60:70]}
	vals := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("parsing checkpoint field %d: %s", i, err)
		}
		vals[i] = v
	}
	return Checkpoint{
		BlockTimestamp: vals[0],
		ChainID:        vals[1],
		BlockNumber:    vals[2],
		LogIndex:       uint32(vals[3]),
		HasLogIndex:    true,
	}, nil
}

// String renders a compact human-readable form for logs.
func (c Checkpoint) String() string {
	if !c.HasLogIndex {
		return fmt.Sprintf("%d/%d/%d/-", c.BlockTimestamp, c.ChainID, c.BlockNumber)
	}
	return fmt.Sprintf("%d/%d/%d/%d", c.BlockTimestamp, c.ChainID, c.BlockNumber, c.LogIndex)
}
