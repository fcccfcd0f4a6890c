package main

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/d-mooers/ponder/pkg/entitystore"
	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/scheduler"
)

// buildFunctions derives one indexing function per ABI event of every
// configured contract. The default handlers archive decoded events into an
// entity table named <Contract>_<Event>; projects with custom pipelines embed
// pkg/scheduler directly and register their own handlers.
func buildFunctions(app *appConfig) ([]scheduler.Function, error) {
	chainsByName := make(map[string]chainConfig, len(app.Chains))
	for _, c := range app.Chains {
		chainsByName[c.Name] = c
	}

	var fns []scheduler.Function
	for _, c := range app.Contracts {
		chain := chainsByName[c.Network]
		raw, err := os.ReadFile(c.ABIPath)
		if err != nil {
			return nil, fmt.Errorf("reading abi for %s: %s", c.Name, err)
		}
		parsed, err := abi.JSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing abi for %s: %s", c.Name, err)
		}
		if !common.IsHexAddress(c.Address) {
			return nil, fmt.Errorf("contract %s has invalid address %q", c.Name, c.Address)
		}
		address := common.HexToAddress(c.Address)

		for name := range parsed.Events {
			ev := parsed.Events[name]
			if ev.Anonymous {
				continue
			}
			table := fmt.Sprintf("%s_%s", c.Name, ev.Name)
			fns = append(fns, scheduler.Function{
				ID:           fmt.Sprintf("%s:%s", c.Name, ev.Name),
				ContractName: c.Name,
				EventName:    ev.Name,
				Source: eventfilter.Source{
					Name:       c.Name,
					Network:    chain.Name,
					ChainID:    chain.ID,
					StartBlock: c.StartBlock,
					Filter:     &eventfilter.LogFilter{Addresses: []common.Address{address}},
				},
				ABIEvent: &ev,
				Access:   scheduler.TableAccess{Writes: []string{table}},
				Handler:  archiveHandler(table),
			})
		}
	}
	if len(fns) == 0 {
		return nil, fmt.Errorf("no indexable events found in the configured contracts")
	}
	return fns, nil
}

func archiveHandler(table string) scheduler.Handler {
	return scheduler.HandlerFunc(func(ctx context.Context, call scheduler.Call, ev *scheduler.Event) error {
		row := entitystore.Entity{
			"blockNumber":     ev.Block.Number,
			"blockTimestamp":  ev.Block.Timestamp,
			"transactionHash": ev.Transaction.Hash.Hex(),
			"logIndex":        ev.Log.LogIndex,
		}
		for name, value := range ev.Args {
			row[name] = renderArg(value)
		}
		// Upsert keeps the handler idempotent across replays of the same log.
		_, err := call.DB.Upsert(ctx, table, ev.Log.ID, row, row)
		return err
	})
}

func renderArg(v interface{}) interface{} {
	switch t := v.(type) {
	case *big.Int:
		return t.String()
	case common.Address:
		return strings.ToLower(t.Hex())
	case common.Hash:
		return t.Hex()
	case []byte:
		return hexutil.Encode(t)
	default:
		return v
	}
}
