package main

import (
	"encoding/json"
	"os"
)

type cmdPrintConfig struct {
	Bridge    BridgeConfig    `group:"Bridge"`
	Warehouse WarehouseConfig `group:"Warehouse"`
	Feed      FeedConfig      `group:"Feed"`
	Log       LogConfig       `group:"Logging"`
}

func (cmd *cmdPrintConfig) Execute(_ []string) error {
	// Secrets are resolved but never printed.
	var redacted = *cmd
	if redacted.Feed.Session != "" {
		redacted.Feed.Session = "<redacted>"
	}
	if redacted.Warehouse.DSN != "" {
		redacted.Warehouse.DSN = "<redacted>"
	}

	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(redacted)
}
