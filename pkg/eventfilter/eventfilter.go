// Package eventfilter models log filters, factory filters and their fully
// specialized fragments. A filter slot holding several values ORs them; the
// filter expands into the cross product of its slots, and interval
// bookkeeping in the sync store is kept per fragment.
package eventfilter

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TopicSlots is the number of indexed topic slots an EVM log can carry.
const TopicSlots = 4

// LogFilter selects logs by address and topics. Empty slots match anything.
type LogFilter struct {
	Addresses []common.Address
	Topics    [TopicSlots][]common.Hash
}

// Fragment is a fully specialized log filter: at most one value per slot.
type Fragment struct {
	ID      string
	ChainID uint64
	Address *common.Address
	Topics  [TopicSlots]*common.Hash
}

// Fragments expands the filter into the cross product of its array-valued
// slots. A filter with no arrays yields exactly one fragment.
func (f LogFilter) Fragments(chainID uint64) []Fragment {
	fragments := []Fragment{{ChainID: chainID}}

	fragments = expand(fragments, f.Addresses, func(fr *Fragment, a common.Address) {
		addr := a
		fr.Address = &addr
	})
	for slot := 0; slot < TopicSlots; slot++ {
		s := slot
		fragments = expand(fragments, f.Topics[s], func(fr *Fragment, t common.Hash) {
			topic := t
			fr.Topics[s] = &topic
		})
	}

	for i := range fragments {
		fragments[i].ID = fragmentID(fragments[i])
	}
	return fragments
}

func expand[T any](in []Fragment, values []T, set func(*Fragment, T)) []Fragment {
	if len(values) == 0 {
		return in
	}
	out := make([]Fragment, 0, len(in)*len(values))
	for _, fr := range in {
		for _, v := range values {
			next := fr
			set(&next, v)
			out = append(out, next)
		}
	}
	return out
}

// fragmentID is a deterministic fingerprint of the fragment's slots. Two
// filters sharing a fragment share its synced intervals.
func fragmentID(fr Fragment) string {
	parts := make([]string, 0, TopicSlots+2)
	parts = append(parts, strconv.FormatUint(fr.ChainID, 10), hexOrNull(fr.Address))
	for _, t := range fr.Topics {
		parts = append(parts, hashOrNull(t))
	}
	return strings.Join(parts, "_")
}

func hexOrNull(a *common.Address) string {
	if a == nil {
		return "null"
	}
	return strings.ToLower(a.Hex())
}

func hashOrNull(h *common.Hash) string {
	if h == nil {
		return "null"
	}
	return strings.ToLower(h.Hex())
}

// Matches reports whether the fragment's predicate accepts the log.
func (fr Fragment) Matches(l types.Log) bool {
	if fr.Address != nil && *fr.Address != l.Address {
		return false
	}
	for slot, want := range fr.Topics {
		if want == nil {
			continue
		}
		if slot >= len(l.Topics) || l.Topics[slot] != *want {
			return false
		}
	}
	return true
}
