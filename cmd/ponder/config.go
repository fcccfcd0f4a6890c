package main

import (
	"encoding/json"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/omeid/uconfig"
)

// configFilename is automatically loaded when present.
var configFilename = "config.json"

type config struct {
	HTTP struct {
		Port string `default:"42069"`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
	DB struct {
		Path string `default:"ponder.db"`
	}
	App struct {
		Config        string `default:"ponder.config.json"`
		FlushInterval string `default:"120s"`
		PollInterval  string `default:"2s"`
	}
}

func setupConfig() *config {
	conf := &config{}
	confFiles := uconfig.Files{}
	if _, err := os.Stat(configFilename); err == nil {
		confFiles = uconfig.Files{{configFilename, json.Unmarshal}}
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}

// chainConfig declares one chain the engine follows.
type chainConfig struct {
	Name     string `json:"name"`
	ID       uint64 `json:"id"`
	Endpoint string `json:"endpoint"`
	// FinalityBlocks is how many blocks behind the head this chain is
	// considered final.
	FinalityBlocks uint64 `json:"finalityBlocks"`
}

// contractConfig declares one indexed contract.
type contractConfig struct {
	Name       string `json:"name"`
	Network    string `json:"network"`
	Address    string `json:"address"`
	StartBlock uint64 `json:"startBlock"`
	// ABIPath points at the contract's ABI JSON file.
	ABIPath string `json:"abi"`
}

// appConfig is the project file listing chains and contracts.
type appConfig struct {
	Chains    []chainConfig    `json:"chains"`
	Contracts []contractConfig `json:"contracts"`
}

func loadAppConfig(path string) (*appConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading app config: %s", err)
	}
	app := &appConfig{}
	if err := jsoniter.Unmarshal(raw, app); err != nil {
		return nil, fmt.Errorf("parsing app config: %s", err)
	}
	if len(app.Chains) == 0 {
		return nil, fmt.Errorf("app config declares no chains")
	}
	byName := make(map[string]bool, len(app.Chains))
	for _, c := range app.Chains {
		if c.Name == "" || c.ID == 0 || c.Endpoint == "" {
			return nil, fmt.Errorf("chain %q must set name, id and endpoint", c.Name)
		}
		if byName[c.Name] {
			return nil, fmt.Errorf("duplicate chain name %q", c.Name)
		}
		byName[c.Name] = true
	}
	for _, c := range app.Contracts {
		if !byName[c.Network] {
			return nil, fmt.Errorf("contract %q references unknown network %q", c.Name, c.Network)
		}
	}
	return app, nil
}
