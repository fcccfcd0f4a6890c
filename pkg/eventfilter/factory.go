package eventfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const addressBytes = 20

// ChildAddressLocation describes where a factory event stores the deployed
// child address: in one of the indexed topic slots ("topic1".."topic3") or in
// the data payload at a 32-byte word boundary ("offset0", "offset32", ...).
// A word stores the address right-aligned, so the extraction starts 12 bytes
// into the word.
type ChildAddressLocation string

// Validate checks the location is one of the supported forms.
func (l ChildAddressLocation) Validate() error {
	switch l {
	case "topic1", "topic2", "topic3":
		return nil
	}
	if _, err := l.offset(); err != nil {
		return fmt.Errorf("invalid child address location %q: %s", l, err)
	}
	return nil
}

func (l ChildAddressLocation) offset() (int, error) {
	s := strings.TrimPrefix(string(l), "offset")
	if s == string(l) {
		return 0, fmt.Errorf("expected topic1..topic3 or offsetN")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("offset must be a non-negative integer")
	}
	return n, nil
}

// topicIndex returns the topic slot number, or -1 for data offsets.
func (l ChildAddressLocation) topicIndex() int {
	switch l {
	case "topic1":
		return 1
	case "topic2":
		return 2
	case "topic3":
		return 3
	}
	return -1
}

// Extract slices the child address out of a factory log.
func (l ChildAddressLocation) Extract(log types.Log) (common.Address, error) {
	if idx := l.topicIndex(); idx >= 0 {
		if idx >= len(log.Topics) {
			return common.Address{}, fmt.Errorf("log has %d topics, location is %s", len(log.Topics), l)
		}
		return common.BytesToAddress(log.Topics[idx][common.HashLength-addressBytes:]), nil
	}
	n, err := l.offset()
	if err != nil {
		return common.Address{}, err
	}
	start := 12 + n
	if len(log.Data) < start+addressBytes {
		return common.Address{}, fmt.Errorf("log data is %d bytes, need %d for %s", len(log.Data), start+addressBytes, l)
	}
	return common.BytesToAddress(log.Data[start : start+addressBytes]), nil
}

// Factory describes a contract whose logs announce child deployments. Logs
// emitted by Address with topic0 == EventSelector carry a child address at
// ChildAddressLocation; the factory's log filter then matches logs emitted by
// any announced child.
type Factory struct {
	Address              common.Address
	EventSelector        common.Hash
	ChildAddressLocation ChildAddressLocation
	// Topics filter the child logs, not the factory's own announcement logs.
	Topics [TopicSlots][]common.Hash
}

// FactoryFragment is a fully specialized factory filter.
type FactoryFragment struct {
	ID                   string
	ChainID              uint64
	Address              common.Address
	EventSelector        common.Hash
	ChildAddressLocation ChildAddressLocation
	Topics               [TopicSlots]*common.Hash
}

// Fragments expands the child topic slots into their cross product.
func (f Factory) Fragments(chainID uint64) []FactoryFragment {
	base := LogFilter{Topics: f.Topics}
	out := make([]FactoryFragment, 0, 1)
	for _, fr := range base.Fragments(chainID) {
		ff := FactoryFragment{
			ChainID:              chainID,
			Address:              f.Address,
			EventSelector:        f.EventSelector,
			ChildAddressLocation: f.ChildAddressLocation,
			Topics:               fr.Topics,
		}
		ff.ID = factoryFragmentID(ff)
		out = append(out, ff)
	}
	return out
}

func factoryFragmentID(fr FactoryFragment) string {
	parts := []string{
		strconv.FormatUint(fr.ChainID, 10),
		strings.ToLower(fr.Address.Hex()),
		strings.ToLower(fr.EventSelector.Hex()),
		string(fr.ChildAddressLocation),
	}
	for _, t := range fr.Topics {
		parts = append(parts, hashOrNull(t))
	}
	return strings.Join(parts, "_")
}

// Source binds a named contract to a chain, a start block and either a plain
// log filter or a factory filter.
type Source struct {
	Name       string
	Network    string
	ChainID    uint64
	StartBlock uint64

	// Exactly one of Filter and Factory is set.
	Filter  *LogFilter
	Factory *Factory
}

// Validate checks the source declares exactly one filter kind.
func (s Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source has no name")
	}
	if (s.Filter == nil) == (s.Factory == nil) {
		return fmt.Errorf("source %s must set exactly one of filter and factory", s.Name)
	}
	if s.Factory != nil {
		if err := s.Factory.ChildAddressLocation.Validate(); err != nil {
			return fmt.Errorf("source %s: %s", s.Name, err)
		}
	}
	return nil
}
